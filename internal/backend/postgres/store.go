// Package postgres implements the backend over a Postgres database: row
// storage through gorm and a change feed through pgx LISTEN/NOTIFY, fed by
// row triggers installed by Migrate.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pelusa-v/pelusa-sync/internal/backend"
)

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

var _ backend.Store = (*Store)(nil)

// Open connects to dsn. debug turns on gorm's SQL logging.
func Open(dsn string, debug bool, log *zap.Logger) (*Store, error) {
	cfg := &gorm.Config{TranslateError: true}
	if debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	} else {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(gormpg.New(gormpg.Config{DSN: dsn}), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get database instance")
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return New(db, log), nil
}

func New(db *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) MessagesBetween(ctx context.Context, senderID, recipientID string) ([]backend.MessageRow, error) {
	var rows []messageModel
	err := s.db.WithContext(ctx).
		Where("sender_id = ? AND recipient_id = ?", senderID, recipientID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "select direct messages")
	}
	return toMessages(rows), nil
}

func (s *Store) GroupMessages(ctx context.Context, groupID string) ([]backend.MessageRow, error) {
	var rows []messageModel
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "select group messages")
	}
	return toMessages(rows), nil
}

func (s *Store) InsertMessage(ctx context.Context, msg backend.MessageRow) (backend.MessageRow, error) {
	m := fromMessage(msg)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return backend.MessageRow{}, errors.Wrap(translate(err), "insert message")
	}
	return toMessage(m), nil
}

func (s *Store) Profile(ctx context.Context, id string) (backend.Profile, error) {
	var m profileModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if err != nil {
		return backend.Profile{}, errors.Wrapf(translate(err), "select profile %s", id)
	}
	return toProfile(m), nil
}

func (s *Store) ProfilesByIDs(ctx context.Context, ids []string) ([]backend.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []profileModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "select profiles by id")
	}
	return toProfiles(rows), nil
}

func (s *Store) ProfilesExcept(ctx context.Context, id string) ([]backend.Profile, error) {
	var rows []profileModel
	err := s.db.WithContext(ctx).
		Where("id <> ?", id).
		Order("username").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "select roster")
	}
	return toProfiles(rows), nil
}

func (s *Store) UpdatePresence(ctx context.Context, id string, online bool, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&profileModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_online": online, "last_seen": at})
	if res.Error != nil {
		return errors.Wrap(res.Error, "update presence")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(backend.ErrNotFound, "profile %s", id)
	}
	return nil
}

func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]backend.Membership, error) {
	var rows []memberModel
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("joined_at, user_id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "select group members")
	}
	out := make([]backend.Membership, 0, len(rows))
	for _, r := range rows {
		out = append(out, toMembership(r))
	}
	return out, nil
}

func (s *Store) AddMember(ctx context.Context, groupID, userID string) error {
	m := memberModel{GroupID: groupID, UserID: userID}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return errors.Wrapf(translate(err), "insert member %s of group %s", userID, groupID)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) error {
	res := s.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&memberModel{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete member")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(backend.ErrNotFound, "member %s of group %s", userID, groupID)
	}
	return nil
}

func (s *Store) CreateGroup(ctx context.Context, name, createdBy string) (backend.Group, error) {
	g := groupModel{Name: name, CreatedBy: createdBy}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&g).Error; err != nil {
			return errors.Wrap(err, "insert group")
		}
		if err := tx.Create(&memberModel{GroupID: g.ID, UserID: createdBy}).Error; err != nil {
			return errors.Wrap(err, "insert creator membership")
		}
		return nil
	})
	if err != nil {
		return backend.Group{}, translate(err)
	}
	return toGroup(g), nil
}

func (s *Store) GroupsForUser(ctx context.Context, userID string) ([]backend.Group, error) {
	var rows []groupModel
	err := s.db.WithContext(ctx).
		Joins("JOIN group_members gm ON gm.group_id = groups.id").
		Where("gm.user_id = ?", userID).
		Order("groups.name").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "select user groups")
	}
	out := make([]backend.Group, 0, len(rows))
	for _, r := range rows {
		out = append(out, toGroup(r))
	}
	return out, nil
}

// translate maps driver errors onto the backend sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return backend.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return backend.ErrDuplicate
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return backend.ErrDuplicate
	}
	return err
}

func toMessages(rows []messageModel) []backend.MessageRow {
	out := make([]backend.MessageRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, toMessage(r))
	}
	return out
}

func toProfiles(rows []profileModel) []backend.Profile {
	out := make([]backend.Profile, 0, len(rows))
	for _, r := range rows {
		out = append(out, toProfile(r))
	}
	return out
}
