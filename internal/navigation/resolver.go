// Package navigation maps a notification to the in-app route it opens.
package navigation

import (
	"net/url"
	"strings"

	"github.com/jwalitptl/receipt-notify/internal/model"
)

const (
	ReceiptsPath = "/receipts"
	ClaimsPath   = "/claims"
	TeamsPath    = "/teams"

	ExternalLinkMessage = "This notification links to an external site, which can't be opened from here."
)

// Destination is either an in-app Path or, for links that leave the app,
// the original URL with a message to show instead of navigating.
type Destination struct {
	Path     string `json:"path,omitempty"`
	External bool   `json:"external"`
	URL      string `json:"url,omitempty"`
	Message  string `json:"message,omitempty"`
}

var legacyPrefixes = []struct{ from, to string }{
	{"/receipt/", ReceiptsPath + "/"},
	{"/claim/", ClaimsPath + "/"},
	{"/team/", TeamsPath + "/"},
}

// Resolve returns where n should take the user, or nil for a nil
// notification.
func Resolve(n *model.Notification) *Destination {
	if n == nil {
		return nil
	}
	if n.ActionURL != nil {
		if raw := strings.TrimSpace(*n.ActionURL); raw != "" {
			return fromActionURL(raw)
		}
	}
	return &Destination{Path: pathForType(n)}
}

func fromActionURL(raw string) *Destination {
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		return &Destination{External: true, URL: raw, Message: ExternalLinkMessage}
	}
	if strings.HasPrefix(raw, "//") {
		return &Destination{External: true, URL: raw, Message: ExternalLinkMessage}
	}
	return &Destination{Path: NormalizePath(raw)}
}

// NormalizePath rewrites singular legacy prefixes to the current plural
// routes, keeping any query and fragment.
func NormalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for _, l := range legacyPrefixes {
		if strings.HasPrefix(p, l.from) {
			return l.to + strings.TrimPrefix(p, l.from)
		}
	}
	return p
}

func pathForType(n *model.Notification) string {
	switch n.Type.Category() {
	case model.CategoryReceipt:
		if n.Type.IsBatch() {
			return ReceiptsPath
		}
		return withID(ReceiptsPath, n.RelatedEntityID)
	case model.CategoryClaim:
		return withID(ClaimsPath, n.RelatedEntityID)
	case model.CategoryTeam:
		if n.TeamID != nil {
			return withID(TeamsPath, n.TeamID)
		}
		if n.RelatedEntityType != nil && *n.RelatedEntityType == "team" {
			return withID(TeamsPath, n.RelatedEntityID)
		}
		return TeamsPath
	}
	return ReceiptsPath
}

func withID(root string, id *string) string {
	if id == nil || *id == "" {
		return root
	}
	return root + "/" + url.PathEscape(*id)
}
