package model

import "fmt"

// NotificationType is the closed set of notification categories.
type NotificationType uint8

const (
	TypeTeamInvitationSent NotificationType = iota + 1
	TypeTeamInvitationAccepted
	TypeTeamMemberJoined
	TypeTeamMemberLeft
	TypeTeamMemberRemoved
	TypeTeamMemberRoleChanged
	TypeClaimSubmitted
	TypeClaimApproved
	TypeClaimRejected
	TypeClaimReviewRequested
	TypeTeamSettingsUpdated
	TypeReceiptProcessingStarted
	TypeReceiptProcessingCompleted
	TypeReceiptProcessingFailed
	TypeReceiptReadyForReview
	TypeReceiptBatchCompleted
	TypeReceiptBatchFailed
	TypeReceiptShared
	TypeReceiptCommentAdded
	TypeReceiptEditedByTeamMember
	TypeReceiptApprovedByTeam
	TypeReceiptFlaggedForReview

	typeSentinel
)

// Category groups notification types by the entity they point at.
type Category string

const (
	CategoryTeam    Category = "team"
	CategoryClaim   Category = "claim"
	CategoryReceipt Category = "receipt"
)

type typeEntry struct {
	typ      NotificationType
	wire     string
	category Category
	// batch types describe many receipts at once and have no single detail page.
	batch bool
}

// typeTable is the only place a NotificationType is mapped to its wire string.
var typeTable = []typeEntry{
	{TypeTeamInvitationSent, "team_invitation_sent", CategoryTeam, false},
	{TypeTeamInvitationAccepted, "team_invitation_accepted", CategoryTeam, false},
	{TypeTeamMemberJoined, "team_member_joined", CategoryTeam, false},
	{TypeTeamMemberLeft, "team_member_left", CategoryTeam, false},
	{TypeTeamMemberRemoved, "team_member_removed", CategoryTeam, false},
	{TypeTeamMemberRoleChanged, "team_member_role_changed", CategoryTeam, false},
	{TypeClaimSubmitted, "claim_submitted", CategoryClaim, false},
	{TypeClaimApproved, "claim_approved", CategoryClaim, false},
	{TypeClaimRejected, "claim_rejected", CategoryClaim, false},
	{TypeClaimReviewRequested, "claim_review_requested", CategoryClaim, false},
	{TypeTeamSettingsUpdated, "team_settings_updated", CategoryTeam, false},
	{TypeReceiptProcessingStarted, "receipt_processing_started", CategoryReceipt, false},
	{TypeReceiptProcessingCompleted, "receipt_processing_completed", CategoryReceipt, false},
	{TypeReceiptProcessingFailed, "receipt_processing_failed", CategoryReceipt, false},
	{TypeReceiptReadyForReview, "receipt_ready_for_review", CategoryReceipt, false},
	{TypeReceiptBatchCompleted, "receipt_batch_completed", CategoryReceipt, true},
	{TypeReceiptBatchFailed, "receipt_batch_failed", CategoryReceipt, true},
	{TypeReceiptShared, "receipt_shared", CategoryReceipt, false},
	{TypeReceiptCommentAdded, "receipt_comment_added", CategoryReceipt, false},
	{TypeReceiptEditedByTeamMember, "receipt_edited_by_team_member", CategoryReceipt, false},
	{TypeReceiptApprovedByTeam, "receipt_approved_by_team", CategoryReceipt, false},
	{TypeReceiptFlaggedForReview, "receipt_flagged_for_review", CategoryReceipt, false},
}

var (
	typeByWire = make(map[string]typeEntry, len(typeTable))
	typeByEnum = make(map[NotificationType]typeEntry, len(typeTable))
)

func init() {
	for _, e := range typeTable {
		typeByWire[e.wire] = e
		typeByEnum[e.typ] = e
	}
}

// ValidateTypeTable reports a missing, duplicated or unknown entry in the
// notification type table.
func ValidateTypeTable() error {
	seenWire := make(map[string]bool, len(typeTable))
	seenType := make(map[NotificationType]bool, len(typeTable))
	for _, e := range typeTable {
		if e.typ == 0 || e.typ >= typeSentinel {
			return fmt.Errorf("type table: value %d out of range", e.typ)
		}
		if e.wire == "" {
			return fmt.Errorf("type table: empty wire string for %d", e.typ)
		}
		if seenWire[e.wire] {
			return fmt.Errorf("type table: duplicate wire string %q", e.wire)
		}
		if seenType[e.typ] {
			return fmt.Errorf("type table: duplicate entry for %d", e.typ)
		}
		switch e.category {
		case CategoryTeam, CategoryClaim, CategoryReceipt:
		default:
			return fmt.Errorf("type table: %q has unknown category %q", e.wire, e.category)
		}
		seenWire[e.wire] = true
		seenType[e.typ] = true
	}
	for t := NotificationType(1); t < typeSentinel; t++ {
		if !seenType[t] {
			return fmt.Errorf("type table: no entry for %d", t)
		}
	}
	return nil
}

// AllNotificationTypes returns every type in declaration order.
func AllNotificationTypes() []NotificationType {
	out := make([]NotificationType, 0, len(typeTable))
	for _, e := range typeTable {
		out = append(out, e.typ)
	}
	return out
}

// ParseNotificationType maps a wire string to its type.
func ParseNotificationType(s string) (NotificationType, error) {
	e, ok := typeByWire[s]
	if !ok {
		return 0, fmt.Errorf("unknown notification type %q", s)
	}
	return e.typ, nil
}

func (t NotificationType) String() string {
	if e, ok := typeByEnum[t]; ok {
		return e.wire
	}
	return fmt.Sprintf("NotificationType(%d)", uint8(t))
}

// Valid reports whether t is one of the declared types.
func (t NotificationType) Valid() bool {
	_, ok := typeByEnum[t]
	return ok
}

func (t NotificationType) Category() Category {
	return typeByEnum[t].category
}

// IsBatch reports whether t describes a batch of receipts rather than one.
func (t NotificationType) IsBatch() bool {
	return typeByEnum[t].batch
}

func (t NotificationType) MarshalText() ([]byte, error) {
	e, ok := typeByEnum[t]
	if !ok {
		return nil, fmt.Errorf("unknown notification type %d", uint8(t))
	}
	return []byte(e.wire), nil
}

func (t *NotificationType) UnmarshalText(b []byte) error {
	v, err := ParseNotificationType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Priority of a notification.
type Priority uint8

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

var priorityTable = map[Priority]string{
	PriorityLow:    "low",
	PriorityMedium: "medium",
	PriorityHigh:   "high",
}

// ParsePriority maps a wire string to its priority.
func ParsePriority(s string) (Priority, error) {
	for p, wire := range priorityTable {
		if wire == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) String() string {
	if s, ok := priorityTable[p]; ok {
		return s
	}
	return fmt.Sprintf("Priority(%d)", uint8(p))
}

func (p Priority) Valid() bool {
	_, ok := priorityTable[p]
	return ok
}

func (p Priority) MarshalText() ([]byte, error) {
	s, ok := priorityTable[p]
	if !ok {
		return nil, fmt.Errorf("unknown priority %d", uint8(p))
	}
	return []byte(s), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
