package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCorruptSession is returned when a stored blob cannot be decoded.
var ErrCorruptSession = errors.New("corrupt session record")

// Encode serializes a session into its stored form. The schema version is
// always stamped to the current one.
func Encode(sess *Session) ([]byte, error) {
	if sess == nil {
		return nil, errors.New("nil session")
	}

	clone := *sess
	clone.SchemaVersion = CurrentSchemaVersion

	data, err := json.Marshal(&clone)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Decode parses a stored blob. The caller supplies the session ID because
// the record never embeds its own key.
func Decode(data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	if sess.SchemaVersion <= 0 || sess.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrCorruptSession, sess.SchemaVersion)
	}
	if sess.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrCorruptSession)
	}
	return &sess, nil
}
