package food

import (
	"encoding/json"
	"errors"
)

// DeleteStatus is the progress report of one bulk delete round.
type DeleteStatus struct {
	Deleted      int  `json:"deleted"`
	Continuation bool `json:"continuation"`
}

// UnmarshalJSON rejects payloads that do not carry both a deleted count and a
// continuation flag. "deletedCount" is accepted in place of "deleted".
func (s *DeleteStatus) UnmarshalJSON(data []byte) error {
	var raw struct {
		Deleted      *int  `json:"deleted"`
		DeletedCount *int  `json:"deletedCount"`
		Continuation *bool `json:"continuation"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	deleted := raw.Deleted
	if deleted == nil {
		deleted = raw.DeletedCount
	}
	switch {
	case deleted == nil:
		return errors.New("delete status has no deleted count")
	case *deleted < 0:
		return errors.New("delete status has a negative deleted count")
	case raw.Continuation == nil:
		return errors.New("delete status has no continuation flag")
	}

	s.Deleted = *deleted
	s.Continuation = *raw.Continuation
	return nil
}
