// Package services orchestrates the request pipelines over the domain
// packages: session validation, rate gating, authorization, payload
// validation, the append itself, and the immediate fold into the project
// aggregate. Adapters call services; services call domain packages; domain
// packages never call back up.
package services

import (
	"context"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/session"
)

// principal is an authenticated caller: the identity behind a live session
// token presented from its original binding.
type principal struct {
	Identity *models.AgentIdentity
	Session  session.Session
}

// AgentID returns the authenticated agent id
func (p principal) AgentID() string {
	return p.Identity.AgentID
}

// Role returns the authenticated role
func (p principal) Role() models.Role {
	return p.Identity.Role
}

// authn resolves bearer tokens to principals. Embedded by every service
// whose operations require an authenticated caller.
type authn struct {
	sessions *session.Manager
}

func (a authn) identify(ctx context.Context, token, ip, userAgent string) (principal, error) {
	identity, sess, err := a.sessions.Validate(ctx, token, ip, userAgent)
	if err != nil {
		return principal{}, err
	}
	return principal{Identity: identity, Session: sess}, nil
}
