package postgres

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// NotifyChannel is the LISTEN channel the row triggers publish on.
const NotifyChannel = "pelusa_changes"

const notifyFunction = `
CREATE OR REPLACE FUNCTION pelusa_notify_change() RETURNS trigger AS $$
DECLARE
	rec json;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := row_to_json(OLD);
	ELSE
		rec := row_to_json(NEW);
	END IF;
	PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
		'table', TG_TABLE_NAME,
		'type', TG_OP,
		'record', rec
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`

const (
	dropTriggerTemplate = `DROP TRIGGER IF EXISTS pelusa_notify_%[1]s ON %[1]s`
	triggerTemplate     = `
CREATE TRIGGER pelusa_notify_%[1]s
	AFTER INSERT OR UPDATE OR DELETE ON %[1]s
	FOR EACH ROW EXECUTE FUNCTION pelusa_notify_change()`
)

// Migrate creates the tables and the change triggers.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS pgcrypto`).Error; err != nil {
		return errors.Wrap(err, "enable pgcrypto")
	}
	if err := db.AutoMigrate(&profileModel{}, &groupModel{}, &memberModel{}, &messageModel{}); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	if err := db.Exec(`ALTER TABLE messages DROP CONSTRAINT IF EXISTS messages_one_target`).Error; err != nil {
		return errors.Wrap(err, "drop target constraint")
	}
	err := db.Exec(`ALTER TABLE messages ADD CONSTRAINT messages_one_target
		CHECK ((group_id IS NULL) <> (recipient_id IS NULL))`).Error
	if err != nil {
		return errors.Wrap(err, "add target constraint")
	}
	if err := db.Exec(notifyFunction).Error; err != nil {
		return errors.Wrap(err, "create notify function")
	}
	for _, table := range []string{"profiles", "messages", "groups", "group_members"} {
		if err := db.Exec(fmt.Sprintf(dropTriggerTemplate, table)).Error; err != nil {
			return errors.Wrapf(err, "drop trigger on %s", table)
		}
		if err := db.Exec(fmt.Sprintf(triggerTemplate, table)).Error; err != nil {
			return errors.Wrapf(err, "create trigger on %s", table)
		}
	}
	s.log.Info("postgres schema migrated")
	return nil
}
