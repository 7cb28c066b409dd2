package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/medledger/internal/domain/account"
	"github.com/ehr/medledger/internal/ledger"
	"github.com/ehr/medledger/internal/ledger/codec"
)

// ChangeEntry is one decoded change-history record. OldValue is nil for a create and
// NewValue is nil for a delete; both hold the entity's stored JSON.
type ChangeEntry struct {
	ID               uint64            `json:"id"`
	ChangedBy        string            `json:"changedBy"`
	ChangedByAccount *account.Summary  `json:"changedByAccount"`
	EntityKind       ledger.EntityKind `json:"entityKind"`
	EntityID         uint64            `json:"entityId"`
	OldValue         *string           `json:"oldValue"`
	NewValue         *string           `json:"newValue"`
	Timestamp        time.Time         `json:"timestamp"`
}

type storedChange struct {
	ID         uint64      `json:"id"`
	ChangedBy  string      `json:"changedBy"`
	EntityKind string      `json:"entityKind"`
	EntityID   uint64      `json:"entityId"`
	OldValue   codec.Bytes `json:"oldValue"`
	NewValue   codec.Bytes `json:"newValue"`
	Timestamp  codec.Bytes `json:"timestamp"`
}

// DecodeChange decodes one stored change-history entry.
func DecodeChange(ctx context.Context, raw json.RawMessage, names *Names) (*ChangeEntry, error) {
	var s storedChange
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}

	kind, err := ledger.ParseEntityKind(s.EntityKind)
	if err != nil {
		return nil, err
	}
	oldValue, err := optionalText(s.OldValue)
	if err != nil {
		return nil, fmt.Errorf("oldValue: %w", err)
	}
	newValue, err := optionalText(s.NewValue)
	if err != nil {
		return nil, fmt.Errorf("newValue: %w", err)
	}
	ts, ok, err := s.Timestamp.Timestamp()
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("timestamp: missing")
	}

	who, err := names.Resolve(ctx, s.ChangedBy)
	if err != nil {
		return nil, err
	}

	return &ChangeEntry{
		ID:               s.ID,
		ChangedBy:        s.ChangedBy,
		ChangedByAccount: who,
		EntityKind:       kind,
		EntityID:         s.EntityID,
		OldValue:         oldValue,
		NewValue:         newValue,
		Timestamp:        ts,
	}, nil
}

func optionalText(b codec.Bytes) (*string, error) {
	s, ok, err := b.Text()
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

// ChangeHistory returns every decodable change-history entry in id order.
func (r *Reader) ChangeHistory(ctx context.Context) ([]ChangeEntry, error) {
	return ListAll(ctx, r, ledger.KindChangeHistory, DecodeChange)
}

// ChangeHistoryResults is ChangeHistory with per-entry decode failures kept.
func (r *Reader) ChangeHistoryResults(ctx context.Context) ([]Result[ChangeEntry], error) {
	return ListAllResults(ctx, r, ledger.KindChangeHistory, DecodeChange)
}
