package gamedto

import "encoding/json"

// MoveRecord is one half-move as serialized into Session.History entries.
// Seq is the zero-based position of the record in the history; the server
// rejects submissions whose Seq does not match the session's history length.
type MoveRecord struct {
	Seq       int    `json:"seq"`
	From      string `json:"from"`
	To        string `json:"to"`
	Color     Color  `json:"color"`
	Promotion string `json:"promotion,omitempty"`
	SAN       string `json:"san,omitempty"`
}

// Encode serializes the record the way history entries are stored.
func (m MoveRecord) Encode() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeMoveRecord parses a single stored history entry.
func DecodeMoveRecord(entry string) (MoveRecord, error) {
	var m MoveRecord
	if err := json.Unmarshal([]byte(entry), &m); err != nil {
		return MoveRecord{}, err
	}
	return m, nil
}
