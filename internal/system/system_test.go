package system

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDropPrivilegesRequiresSuperuser(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root")
	}
	err := OS{}.DropPrivileges("nobody", "")
	assert.ErrorIs(t, err, ErrNotSuperuser)
}

func TestRedirectStreamsSkipsEmptyPaths(t *testing.T) {
	assert.NoError(t, OS{}.RedirectStreams("", "", ""))
}

func TestRedirectStreamsReportsOpenFailure(t *testing.T) {
	err := OS{}.RedirectStreams("/nonexistent/dir/stdin", "", "")
	assert.Error(t, err)
}
