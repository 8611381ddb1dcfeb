// internal/agent/factory.go
package agent

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/user/sandboxd/internal/types"
)

// SubprocessFactory builds ProcessProviders. Credentials are re-read from
// disk on every create, so a revision bump picks up the fresh token.
type SubprocessFactory struct {
	Command         string
	Args            []string
	WorkDir         string
	CredentialsPath string
	RequestTimeout  time.Duration
	Revs            *Revisions
}

func (f *SubprocessFactory) Revision() int64 {
	return f.Revs.Snapshot()
}

func (f *SubprocessFactory) New(revision int64) (types.Provider, error) {
	env := os.Environ()
	if f.CredentialsPath != "" {
		data, err := os.ReadFile(f.CredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("read credentials: %w", err)
		}
		env = append(env, "AGENT_API_KEY="+strings.TrimSpace(string(data)))
	}
	t := NewTransport(f.Command, f.Args, f.WorkDir, env, f.RequestTimeout)
	return NewProcessProvider(t), nil
}
