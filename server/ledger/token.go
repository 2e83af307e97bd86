package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const tokenPrefix = "urn:caldora-sync:"

// TokenExpiredError asks the client to drop its state and enumerate the
// collection from scratch.
type TokenExpiredError struct {
	Token  string
	Reason string
}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("sync token %q is no longer valid: %s", e.Token, e.Reason)
}

func (e *TokenExpiredError) Is(target error) bool {
	_, ok := target.(*TokenExpiredError)
	return ok
}

// FormatToken encodes a position in a collection's change log.
func FormatToken(epoch string, rev int64) string {
	return tokenPrefix + epoch + ":" + strconv.FormatInt(rev, 10)
}

// ParseToken reverses FormatToken. Anything unparseable is reported as
// expired, since a client cannot do anything with it but resync.
func ParseToken(token string) (epoch string, rev int64, err error) {
	rest, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return "", 0, &TokenExpiredError{Token: token, Reason: "unknown token format"}
	}
	epoch, revText, ok := strings.Cut(rest, ":")
	if !ok {
		return "", 0, &TokenExpiredError{Token: token, Reason: "missing revision"}
	}
	if _, err := uuid.Parse(epoch); err != nil {
		return "", 0, &TokenExpiredError{Token: token, Reason: "invalid epoch"}
	}
	rev, err = strconv.ParseInt(revText, 10, 64)
	if err != nil || rev < 0 {
		return "", 0, &TokenExpiredError{Token: token, Reason: "invalid revision"}
	}
	return epoch, rev, nil
}

// NewEpoch starts a fresh change history.
func NewEpoch() string {
	return uuid.NewString()
}
