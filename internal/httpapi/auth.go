package httpapi

import (
	"net/http"
	"strings"

	"github.com/agentworkforce/engagesync/internal/controlplane"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// credentialFromRequest reads a per-request credential from the
// Authorization header. It reports false when the header is absent.
func credentialFromRequest(r *http.Request) (controlplane.Credential, bool, *authError) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return controlplane.Credential{}, false, nil
	}
	scheme, _, _ := strings.Cut(header, " ")
	switch strings.ToLower(scheme) {
	case "bearer":
		token := strings.TrimSpace(header[len(scheme):])
		if token == "" {
			return controlplane.Credential{}, false, &authError{
				status:  http.StatusUnauthorized,
				code:    "unauthorized",
				message: "empty bearer token",
			}
		}
		return controlplane.BearerCredential(token), true, nil
	case "basic":
		username, password, ok := r.BasicAuth()
		cred := controlplane.BasicCredential(username, password)
		if !ok || cred.Validate() != nil {
			return controlplane.Credential{}, false, &authError{
				status:  http.StatusUnauthorized,
				code:    "unauthorized",
				message: "invalid basic credentials",
			}
		}
		return cred, true, nil
	default:
		return controlplane.Credential{}, false, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "unsupported authorization scheme",
		}
	}
}
