package identity

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/rentauth/internal/model"
)

// LatencyRecorder はストア呼び出しのレイテンシを記録する。
type LatencyRecorder interface {
	RecordStoreLatency(operation, outcome string, duration time.Duration)
}

// InstrumentedStore はStoreの各呼び出しのレイテンシと結果を記録するデコレーター。
type InstrumentedStore struct {
	next     Store
	recorder LatencyRecorder
	now      func() time.Time
}

// NewInstrumentedStore はInstrumentedStoreを生成する。
func NewInstrumentedStore(next Store, recorder LatencyRecorder) *InstrumentedStore {
	return &InstrumentedStore{next: next, recorder: recorder, now: time.Now}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	s.recorder.RecordStoreLatency(op, outcomeOf(err), s.now().Sub(start))
}

// outcomeOf はエラーをメトリクスのラベル値に変換する。
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func (s *InstrumentedStore) VerifyPassword(ctx context.Context, email, password string) (*model.User, error) {
	start := s.now()
	u, err := s.next.VerifyPassword(ctx, email, password)
	s.observe("verify_password", start, err)
	return u, err
}

func (s *InstrumentedStore) FindByProvider(ctx context.Context, provider model.Provider, providerAccountID string) (*model.User, error) {
	start := s.now()
	u, err := s.next.FindByProvider(ctx, provider, providerAccountID)
	s.observe("find_by_provider", start, err)
	return u, err
}

func (s *InstrumentedStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	start := s.now()
	u, err := s.next.FindByID(ctx, id)
	s.observe("find_by_id", start, err)
	return u, err
}

func (s *InstrumentedStore) CreateCredentialUser(ctx context.Context, in NewCredentialUser) (*model.User, error) {
	start := s.now()
	u, err := s.next.CreateCredentialUser(ctx, in)
	s.observe("create_credential_user", start, err)
	return u, err
}

func (s *InstrumentedStore) CreateOAuthUser(ctx context.Context, profile model.OAuthProfile) (*model.User, error) {
	start := s.now()
	u, err := s.next.CreateOAuthUser(ctx, profile)
	s.observe("create_oauth_user", start, err)
	return u, err
}

func (s *InstrumentedStore) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*model.User, error) {
	start := s.now()
	u, err := s.next.UpdateProfile(ctx, id, update)
	s.observe("update_profile", start, err)
	return u, err
}

func (s *InstrumentedStore) AssignRole(ctx context.Context, id string, role model.Role) (*model.User, error) {
	start := s.now()
	u, err := s.next.AssignRole(ctx, id, role)
	s.observe("assign_role", start, err)
	return u, err
}

func (s *InstrumentedStore) DeleteUser(ctx context.Context, id string) error {
	start := s.now()
	err := s.next.DeleteUser(ctx, id)
	s.observe("delete_user", start, err)
	return err
}

var _ Store = (*InstrumentedStore)(nil)
