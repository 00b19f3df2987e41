package sshconn

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/craigderington/lazytunnel/internal/auth"
	"github.com/craigderington/lazytunnel/pkg/types"
)

// HandshakeTimeout bounds the SSH version exchange and key exchange.
const HandshakeTimeout = 15 * time.Second

// ClientConfigOptions controls how BuildClientConfig assembles a
// ssh.ClientConfig for a single hop.
type ClientConfigOptions struct {
	KnownHostsPath        string // empty uses auth.NewKnownHostsCallback's default (~/.ssh/known_hosts)
	InsecureIgnoreHostKey bool
}

// BuildClientConfig constructs a ssh.ClientConfig for hop using the
// authentication strategy described by authConfig. Host key verification
// defaults to known_hosts; InsecureIgnoreHostKey must be set explicitly
// to bypass it, unlike the teacher's unconditional InsecureIgnoreHostKey.
func BuildClientConfig(hop *types.Hop, authConfig *types.AuthConfig, opts ClientConfigOptions) (*ssh.ClientConfig, error) {
	factory := auth.NewAuthFactory()
	multi, err := factory.CreateMultiAuthenticator(authConfig, hop)
	if err != nil {
		return nil, fmt.Errorf("building authenticator for %s: %w", hop.Host, err)
	}
	methods, err := multi.GetAuthMethods()
	if err != nil {
		return nil, fmt.Errorf("no usable auth method for %s: %w", hop.Host, err)
	}

	var hostKeyCallback auth.HostKeyCallback
	if opts.InsecureIgnoreHostKey {
		hostKeyCallback = &auth.InsecureHostKeyCallback{}
	} else {
		hostKeyCallback = auth.NewKnownHostsCallback(opts.KnownHostsPath)
	}

	user := hop.User
	if user == "" {
		user = authConfig.Username
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback.GetCallback(),
		Timeout:         HandshakeTimeout,
	}, nil
}

// HopAddr renders a hop's dial address for Dial/DialOverConn.
func HopAddr(hop *types.Hop) string {
	return fmt.Sprintf("%s:%d", hop.Host, hop.Port)
}
