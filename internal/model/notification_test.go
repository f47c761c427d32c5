package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jwalitptl/receipt-notify/pkg/errors"
)

func strPtr(s string) *string { return &s }

func TestTypeTableIsComplete(t *testing.T) {
	require.NoError(t, ValidateTypeTable())
	assert.Len(t, AllNotificationTypes(), int(typeSentinel)-1)

	for _, typ := range AllNotificationTypes() {
		back, err := ParseNotificationType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, back)
	}
}

func TestParseNotificationTypeUnknown(t *testing.T) {
	_, err := ParseNotificationType("receipt_exploded")
	assert.Error(t, err)
	assert.False(t, NotificationType(0).Valid())
}

func TestTypeCategories(t *testing.T) {
	assert.Equal(t, CategoryClaim, TypeClaimApproved.Category())
	assert.Equal(t, CategoryTeam, TypeTeamSettingsUpdated.Category())
	assert.Equal(t, CategoryReceipt, TypeReceiptShared.Category())
	assert.True(t, TypeReceiptBatchFailed.IsBatch())
	assert.False(t, TypeReceiptShared.IsBatch())
}

func TestNotificationJSONUsesWireStrings(t *testing.T) {
	n := Notification{ID: "n1", Type: TypeClaimRejected, Priority: PriorityHigh}
	b, err := json.Marshal(n)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"claim_rejected"`)
	assert.Contains(t, string(b), `"priority":"high"`)
}

func TestRowRoundTripPreservesTimestamps(t *testing.T) {
	plus530 := time.FixedZone("", 5*3600+1800)
	created := time.Date(2024, 3, 10, 23, 59, 58, 123456000, time.UTC)
	read := time.Date(2024, 3, 11, 4, 0, 0, 999999000, plus530)
	expires := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	in := &Notification{
		ID:          "8c7d4e1a-0000-4000-8000-000000000001",
		RecipientID: "u1",
		TeamID:      strPtr("t1"),
		Type:        TypeReceiptProcessingCompleted,
		Priority:    PriorityLow,
		Title:       "Receipt ready",
		Message:     "Your receipt was processed",
		ReadAt:      &read,
		Metadata:    JSONMap{"receipt_id": "r1"},
		CreatedAt:   created,
		ExpiresAt:   &expires,
	}

	out, err := ParseNotification(in.ToRow())
	require.NoError(t, err)

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Priority, out.Priority)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, FormatTime(in.CreatedAt), FormatTime(out.CreatedAt))
	require.NotNil(t, out.ReadAt)
	assert.True(t, read.Equal(*out.ReadAt))
	_, inOffset := read.Zone()
	_, outOffset := out.ReadAt.Zone()
	assert.Equal(t, inOffset, outOffset)
	require.NotNil(t, out.ExpiresAt)
	assert.True(t, expires.Equal(*out.ExpiresAt))
	assert.Nil(t, out.ArchivedAt)
	assert.Equal(t, "r1", out.Metadata["receipt_id"])
}

func TestParseNotificationFromRealtimePayload(t *testing.T) {
	payload := `{
		"id": "n1", "recipient_id": "u1", "team_id": null,
		"type": "claim_approved", "priority": "high",
		"title": "Claim approved", "message": "Your claim was approved",
		"action_url": null, "read_at": null, "archived_at": null,
		"related_entity_type": "claim", "related_entity_id": "c1",
		"metadata": "{\"amount\": 42.5}",
		"created_at": "2024-05-01 12:30:00.5+00",
		"expires_at": null
	}`
	var row map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &row))

	n, err := ParseNotification(row)
	require.NoError(t, err)
	assert.Equal(t, TypeClaimApproved, n.Type)
	assert.Equal(t, "c1", *n.RelatedEntityID)
	assert.Equal(t, 42.5, n.Metadata["amount"])
	assert.True(t, time.Date(2024, 5, 1, 12, 30, 0, 500000000, time.UTC).Equal(n.CreatedAt))
}

func TestParseNotificationRejectsMalformedRows(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"id": "n1", "recipient_id": "u1", "type": "claim_approved",
			"priority": "low", "title": "t", "message": "m",
			"created_at": "2024-05-01T12:30:00Z",
		}
	}

	cases := map[string]func(map[string]any){
		"missing id":     func(r map[string]any) { delete(r, "id") },
		"unknown type":   func(r map[string]any) { r["type"] = "nope" },
		"bad priority":   func(r map[string]any) { r["priority"] = "urgent" },
		"bad timestamp":  func(r map[string]any) { r["read_at"] = "yesterday" },
		"missing create": func(r map[string]any) { delete(r, "created_at") },
		"wrong type":     func(r map[string]any) { r["title"] = 12.0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			row := base()
			mutate(row)
			_, err := ParseNotification(row)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrParse))
		})
	}

	_, err := ParseNotification(base())
	assert.NoError(t, err)
}

func TestComputeStats(t *testing.T) {
	now := time.Now()
	list := []*Notification{
		{ID: "1", Priority: PriorityHigh},
		{ID: "2", Priority: PriorityLow},
		{ID: "3", Priority: PriorityHigh, ReadAt: &now},
		{ID: "4", Priority: PriorityHigh, ArchivedAt: &now},
	}
	assert.Equal(t, Stats{Total: 4, Unread: 2, UnreadHighPriority: 1, Archived: 1}, ComputeStats(list))
}

func TestFiltersMatches(t *testing.T) {
	now := time.Now()
	high := PriorityHigh
	n := &Notification{ID: "1", Type: TypeClaimSubmitted, Priority: PriorityHigh, TeamID: strPtr("t1")}
	read := &Notification{ID: "2", Type: TypeClaimSubmitted, ReadAt: &now}
	archived := &Notification{ID: "3", ArchivedAt: &now}

	var none *Filters
	assert.True(t, none.Matches(n))
	assert.False(t, none.Matches(archived))

	assert.True(t, (&Filters{TeamID: strPtr("t1"), Priority: &high}).Matches(n))
	assert.False(t, (&Filters{TeamID: strPtr("t2")}).Matches(n))
	assert.False(t, (&Filters{UnreadOnly: true}).Matches(read))
	assert.True(t, (&Filters{IncludeArchived: true}).Matches(archived))
	assert.False(t, (&Filters{Types: []NotificationType{TypeClaimApproved}}).Matches(n))
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	n := &Notification{ID: "1", TeamID: strPtr("t1"), ReadAt: &now, Metadata: JSONMap{"k": "v"}}
	c := n.Clone()
	*c.TeamID = "t2"
	c.Metadata["k"] = "changed"
	later := now.Add(time.Hour)
	*c.ReadAt = later

	assert.Equal(t, "t1", *n.TeamID)
	assert.Equal(t, "v", n.Metadata["k"])
	assert.True(t, n.ReadAt.Equal(now))
}
