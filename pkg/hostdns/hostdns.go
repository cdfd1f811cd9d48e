// Package hostdns points the host's system resolver at a locally
// running sinkhole and restores the original configuration on
// shutdown. It is glue code kept isolated behind an interface so the
// server package never touches resolv.conf directly.
package hostdns

// Collaborator redirects the host's DNS resolution to the sinkhole and
// restores whatever was in place beforehand. Implementations report
// success as a bool rather than an error, since a failure here is
// logged and treated as non-fatal: the sinkhole still answers queries
// sent to it directly even if the host never picked it up as the
// default resolver.
type Collaborator interface {
	SaveAndRedirectToLocal() bool
	RestoreOriginal() bool
}

// Noop is a Collaborator that does nothing, used when host DNS
// redirection is disabled in configuration.
type Noop struct{}

func (Noop) SaveAndRedirectToLocal() bool { return true }
func (Noop) RestoreOriginal() bool        { return true }

var (
	_ Collaborator = Noop{}
	_ Collaborator = (*Linux)(nil)
)
