package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lighthouse-hq/lighthouse/pkg/auth"
	"github.com/lighthouse-hq/lighthouse/pkg/config"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/store"
)

// Bootstrap seeds the configured identity into an empty log, producing
// exactly one identity.created event at sequence one. A log that already
// has events is left alone: identities are never recreated, and an operator
// pointing a bootstrap config at a populated store gets a log line, not a
// second alice.
func Bootstrap(ctx context.Context, st *store.Store, registry *auth.Registry, secret []byte, cfg config.BootstrapConfig, logger *slog.Logger) error {
	if !cfg.Enabled() {
		return nil
	}
	if st.Head() > 0 {
		logger.Debug("bootstrap skipped, log is not empty", "head", st.Head())
		return nil
	}

	role := models.Role(cfg.Role)
	if !role.IsValid() {
		return fmt.Errorf("%w: bootstrap role %q", models.ErrSchemaInvalid, cfg.Role)
	}
	if cfg.Credential == "" {
		return fmt.Errorf("%w: bootstrap credential is required", models.ErrSchemaInvalid)
	}

	payload, err := models.EncodePayload(&models.IdentityCreatedPayload{
		AgentID:       cfg.AgentID,
		Role:          role,
		CredentialMAC: auth.ComputeCredentialMAC(secret, cfg.AgentID, cfg.Credential),
	})
	if err != nil {
		return err
	}
	event, err := st.Append(ctx, &models.EventDraft{
		EventType:   models.EventIdentityCreated,
		AggregateID: "agent:" + cfg.AgentID,
		AgentID:     cfg.AgentID,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	registry.Apply(event)
	logger.Info("bootstrap identity created",
		"agent_id", cfg.AgentID, "role", role, "sequence", event.Sequence)
	return nil
}
