// Package chatid derives the canonical identifier naming a two-party chat.
package chatid

import (
	"errors"
	"strconv"
	"strings"
)

// Separator joins the two user identifiers.
const Separator = ":"

var ErrInvalidChatID = errors.New("chatid: invalid chat identifier")

// Derive returns min(a,b) + ":" + max(a,b). Both participants compute the
// same value regardless of who initiates.
func Derive(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + Separator + strconv.FormatInt(b, 10)
}

// Parse splits a canonical identifier into its ordered participants. Only
// strings produced by Derive for positive ids are accepted.
func Parse(id string) (lo, hi int64, err error) {
	left, right, ok := strings.Cut(id, Separator)
	if !ok {
		return 0, 0, ErrInvalidChatID
	}
	lo, err = parseUser(left)
	if err != nil {
		return 0, 0, err
	}
	hi, err = parseUser(right)
	if err != nil {
		return 0, 0, err
	}
	if lo > hi || Derive(lo, hi) != id {
		return 0, 0, ErrInvalidChatID
	}
	return lo, hi, nil
}

// Contains reports whether user participates in the chat.
func Contains(id string, user int64) bool {
	lo, hi, err := Parse(id)
	if err != nil {
		return false
	}
	return user == lo || user == hi
}

// Other returns the counterpart of self in the chat.
func Other(id string, self int64) (int64, error) {
	lo, hi, err := Parse(id)
	if err != nil {
		return 0, err
	}
	switch self {
	case lo:
		return hi, nil
	case hi:
		return lo, nil
	default:
		return 0, ErrInvalidChatID
	}
}

func parseUser(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrInvalidChatID
	}
	return n, nil
}
