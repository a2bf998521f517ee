// Package subdomain allocates <adjective>-<noun>-<hex4> public hostnames
// and remembers which one a given (API key, local port) pair used last,
// so a client that restarts gets the same public URL back.
package subdomain

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

var adjectives = []string{
	"sleepy", "brave", "quiet", "quick", "lucky", "gentle", "bold", "calm",
	"eager", "fuzzy", "happy", "jolly", "keen", "lively", "mellow", "nimble",
	"proud", "rapid", "steady", "witty", "amber", "azure", "crimson", "golden",
}

var nouns = []string{
	"otter", "falcon", "badger", "heron", "marten", "lynx", "raven", "mole",
	"tapir", "gecko", "wren", "ibex", "newt", "vole", "stoat", "grebe",
	"bison", "crane", "finch", "hare", "orca", "puffin", "shrike", "teal",
}

// Pattern matches a valid subdomain, including one supplied by a client
// via the ?subdomain= query parameter.
var Pattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// New picks a random adjective-noun pair and appends a random 4-hex-digit
// suffix. It does not check whether the name is in use; callers that need
// an unused name draw again until the registry reports it free (see
// Registry.Has). The namespace is large enough
// that collisions are expected to be rare for a single user.
func New() (string, error) {
	adj, err := pick(adjectives)
	if err != nil {
		return "", err
	}
	noun, err := pick(nouns)
	if err != nil {
		return "", err
	}
	suffix, err := hex4()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", adj, noun, suffix), nil
}

func pick(words []string) (string, error) {
	b := make([]byte, 1)
	for {
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		idx := int(b[0]) % len(words)
		// Reject draws that would bias the distribution (len(words) rarely
		// divides 256 evenly); retry instead of taking the modulo as-is.
		if int(b[0]) < (256/len(words))*len(words) {
			return words[idx], nil
		}
	}
}

func hex4() (string, error) {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%02x%02x", b[0], b[1]), nil
}
