package model

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
)

type ContactKind int

const (
	ContactPhone ContactKind = iota
	ContactDetailed
)

// Contact is a broadcast target: either a bare phone string or an object
// carrying a display name and up to three template variables.
type Contact struct {
	Kind  ContactKind
	Phone string
	Name  string
	Vars  [3]string
}

func (c *Contact) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Contact{}
		return nil
	}

	switch data[0] {
	case '"':
		var phone string
		if err := json.Unmarshal(data, &phone); err != nil {
			return err
		}
		*c = Contact{Kind: ContactPhone, Phone: phone}
		return nil
	case '{':
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return err
		}
		*c = Contact{
			Kind:  ContactDetailed,
			Phone: firstField(fields, "phone", "number", "phoneNumber"),
			Name:  firstField(fields, "name", "nama"),
			Vars: [3]string{
				firstField(fields, "var1"),
				firstField(fields, "var2"),
				firstField(fields, "var3"),
			},
		}
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported contact element: %s", data)
		}
		*c = Contact{Kind: ContactPhone, Phone: n.String()}
		return nil
	}
}

func (c Contact) MarshalJSON() ([]byte, error) {
	if c.Kind == ContactPhone {
		return json.Marshal(c.Phone)
	}
	out := map[string]string{"phone": c.Phone}
	if c.Name != "" {
		out["name"] = c.Name
	}
	for i, v := range c.Vars {
		if v != "" {
			out["var"+strconv.Itoa(i+1)] = v
		}
	}
	return json.Marshal(out)
}

func firstField(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

// ContactList is the decoded target_contacts column. Elements that cannot be
// decoded are kept as empty contacts so positions and totals are preserved.
type ContactList []Contact

func (l *ContactList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = ContactList{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ContactList", src)
	}
	return l.UnmarshalJSON(raw)
}

func (l ContactList) Value() (driver.Value, error) {
	return json.Marshal([]Contact(l))
}

func (l *ContactList) UnmarshalJSON(data []byte) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return fmt.Errorf("decode target contacts: %w", err)
	}
	out := make(ContactList, len(elems))
	for i, e := range elems {
		if err := out[i].UnmarshalJSON(e); err != nil {
			log.Warn().Err(err).Int("index", i).Msg("unreadable target contact, kept as empty entry")
		}
	}
	*l = out
	return nil
}
