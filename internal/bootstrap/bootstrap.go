// Package bootstrap computes the ordered environment the remote build
// hands to its embedded agent process so it can self-configure and
// connect back to the controller.
//
// The parameter names are a wire contract read by the inbound-agent
// entrypoint inside the build container; they must not be renamed.
package bootstrap

import (
	"net/url"

	"github.com/terrpan/codebuild-agents/internal/config"
)

// Parameter names consumed by the agent entrypoint.
const (
	NameDirectConnection     = "JENKINS_DIRECT_CONNECTION"
	NameInstanceIdentity     = "JENKINS_INSTANCE_IDENTITY"
	NameProtocols            = "JENKINS_PROTOCOLS"
	NameProxyCredentials     = "JENKINS_CODEBUILD_PROXY_CREDENTIALS"
	NameNoKeepAlive          = "JENKINS_CODEBUILD_NOKEEPALIVE"
	NameDisableSSLValidation = "JENKINS_CODEBUILD_DISABLE_SSL_VALIDATION"
	NameWebSocket            = "JENKINS_WEB_SOCKET"
	NameURL                  = "JENKINS_URL"
	NameTunnel               = "JENKINS_TUNNEL"
	NameNoReconnect          = "JENKINS_CODEBUILD_NORECONNECT"
	NameSecret               = "JENKINS_SECRET"
	NameAgentName            = "JENKINS_AGENT_NAME"
	NameAgentURL             = "JENKINS_CODEBUILD_AGENT_URL"
)

// agentJarPath is the well-known controller path of the agent executable.
const agentJarPath = "/jnlpJars/agent.jar"

// Parameter is one name/value pair of the agent bootstrap contract.
type Parameter struct {
	Name  string
	Value string
}

// Identity carries the per-agent values that go into the bootstrap set.
type Identity struct {
	// Name is the agent's display name on the controller.
	Name string
	// Secret is the opaque token the agent presents when connecting.
	Secret string
}

// Parameters deterministically builds the ordered bootstrap parameter
// list for one launch.  It performs no I/O and never fails: a
// malformed controller URL degrades the derived agent download URL to
// the literal "ERROR" instead of aborting the launch.
//
// Exactly one connection mode's parameters are emitted, selected in
// priority order: direct, web socket, tunnel/default.  Direct mode
// must not carry a URL or tunnel parameter.
func Parameters(conn config.ConnectionConfig, id Identity) []Parameter {
	var params []Parameter

	switch {
	case conn.Direct != "":
		params = append(params,
			Parameter{NameDirectConnection, conn.Direct},
			Parameter{NameInstanceIdentity, conn.ControllerIdentity},
		)
		if conn.Protocols != "" {
			params = append(params, Parameter{NameProtocols, conn.Protocols})
		}
		params = appendCommonFlags(params, conn)

	case conn.WebSocket:
		params = append(params,
			Parameter{NameWebSocket, "true"},
			Parameter{NameURL, conn.URL},
		)

	default:
		if conn.Tunnel != "" {
			params = append(params, Parameter{NameTunnel, conn.Tunnel})
		}
		params = append(params, Parameter{NameURL, conn.URL})
		params = appendCommonFlags(params, conn)
	}

	// Mode-independent parameters; every agent gets them.
	if conn.NoReconnect {
		params = append(params, Parameter{NameNoReconnect, "-noreconnect"})
	}
	params = append(params,
		Parameter{NameSecret, id.Secret},
		Parameter{NameAgentName, id.Name},
		Parameter{NameAgentURL, agentDownloadURL(conn.URL)},
	)

	return params
}

// appendCommonFlags emits the optional proxy / keep-alive / certificate
// flags shared by the direct and fallback modes.
func appendCommonFlags(params []Parameter, conn config.ConnectionConfig) []Parameter {
	if conn.ProxyCredentials != "" {
		params = append(params, Parameter{NameProxyCredentials, "-proxyCredentials " + conn.ProxyCredentials})
	}
	if conn.NoKeepAlive {
		params = append(params, Parameter{NameNoKeepAlive, "-noKeepAlive"})
	}
	if conn.DisableHTTPSCertValidation {
		params = append(params, Parameter{NameDisableSSLValidation, "-disableHttpsCertValidation"})
	}
	return params
}

// agentDownloadURL derives the agent executable's download URL from the
// scheme and authority of the controller URL.  A URL that does not
// parse to a scheme and host yields the literal "ERROR" so the agent
// side can report a usable diagnostic.
func agentDownloadURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "ERROR"
	}
	return u.Scheme + "://" + u.Host + agentJarPath
}
