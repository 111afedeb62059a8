package repo

import (
	"encoding/base64"
	"encoding/json"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

// Cursor is the decoded form of a pagination token: the sort value of the
// last returned document plus its id as tiebreaker. Clients treat the
// encoded form as opaque.
type Cursor struct {
	Sort any    `json:"s,omitempty"`
	ID   string `json:"id"`
}

func EncodeCursor(c Cursor) string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, errs.E(errs.InvalidInput, "malformed pagination cursor")
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil || c.ID == "" {
		return Cursor{}, errs.E(errs.InvalidInput, "malformed pagination cursor")
	}
	return c, nil
}
