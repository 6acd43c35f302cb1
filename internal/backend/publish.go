package backend

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PublishingStore wraps a Store whose transport has no native change capture
// and publishes a Change after every successful write. A publish failure is
// logged; the write itself already happened and is reported as a success.
type PublishingStore struct {
	Store
	pub Publisher
	log *zap.Logger
}

func Publishing(s Store, pub Publisher, log *zap.Logger) *PublishingStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PublishingStore{Store: s, pub: pub, log: log}
}

func (p *PublishingStore) InsertMessage(ctx context.Context, msg MessageRow) (MessageRow, error) {
	stored, err := p.Store.InsertMessage(ctx, msg)
	if err != nil {
		return stored, err
	}
	row := stored
	p.publish(ctx, Change{Table: TableMessages, Type: EventInsert, Message: &row})
	return stored, nil
}

func (p *PublishingStore) UpdatePresence(ctx context.Context, id string, online bool, at time.Time) error {
	if err := p.Store.UpdatePresence(ctx, id, online, at); err != nil {
		return err
	}
	prof, err := p.Store.Profile(ctx, id)
	if err != nil {
		p.log.Warn("reload profile for publish", zap.String("id", id), zap.Error(err))
		prof = Profile{ID: id, IsOnline: online, LastSeen: at}
	}
	p.publish(ctx, Change{Table: TableProfiles, Type: EventUpdate, Profile: &prof})
	return nil
}

func (p *PublishingStore) AddMember(ctx context.Context, groupID, userID string) error {
	if err := p.Store.AddMember(ctx, groupID, userID); err != nil {
		return err
	}
	p.publish(ctx, Change{Table: TableGroupMembers, Type: EventInsert,
		Membership: &Membership{GroupID: groupID, UserID: userID, JoinedAt: time.Now().UTC()}})
	return nil
}

func (p *PublishingStore) RemoveMember(ctx context.Context, groupID, userID string) error {
	if err := p.Store.RemoveMember(ctx, groupID, userID); err != nil {
		return err
	}
	p.publish(ctx, Change{Table: TableGroupMembers, Type: EventDelete,
		Membership: &Membership{GroupID: groupID, UserID: userID}})
	return nil
}

func (p *PublishingStore) CreateGroup(ctx context.Context, name, createdBy string) (Group, error) {
	g, err := p.Store.CreateGroup(ctx, name, createdBy)
	if err != nil {
		return g, err
	}
	row := g
	p.publish(ctx, Change{Table: TableGroups, Type: EventInsert, Group: &row})
	p.publish(ctx, Change{Table: TableGroupMembers, Type: EventInsert,
		Membership: &Membership{GroupID: g.ID, UserID: createdBy, JoinedAt: g.CreatedAt}})
	return g, nil
}

func (p *PublishingStore) publish(ctx context.Context, c Change) {
	if err := p.pub.Publish(ctx, c); err != nil {
		feedPublishFailures.WithLabelValues(string(c.Table)).Inc()
		p.log.Error("publish change", zap.String("table", string(c.Table)),
			zap.String("type", string(c.Type)), zap.Error(err))
	}
}
