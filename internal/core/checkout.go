package core

import (
	"errors"
	"fmt"
	"strings"
)

// checkoutScript fetches the triggering snapshot into the working
// directory. It reads the repository and ref from the step environment so
// nothing has to be quoted into the script.
const checkoutScript = `set -eu
if [ -z "${CIGATE_REPOSITORY:-}" ]; then
  echo "checkout: event carries no repository" >&2
  exit 1
fi
if [ -z "${CIGATE_CHECKOUT_REF:-}" ]; then
  echo "checkout: event carries no commit or ref" >&2
  exit 1
fi
git init -q .
git remote add origin "$CIGATE_REPOSITORY"
git fetch -q --depth=1 origin "$CIGATE_CHECKOUT_REF"
git checkout -q --detach FETCH_HEAD
git log -1 --format='checked out %H'
`

// script returns the shell command a step executes. A step naming an
// action that is not built in has nothing to execute and is an error.
func (s Step) script() (string, error) {
	switch s.Uses {
	case "":
		if strings.TrimSpace(s.Run) == "" {
			return "", errors.New("step has nothing to run")
		}
		return s.Run, nil
	case ActionCheckout:
		return checkoutScript, nil
	}
	return "", fmt.Errorf("unknown action %q", s.Uses)
}
