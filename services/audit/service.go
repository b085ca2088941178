// Package audit keeps the governance audit trail: verifier evaluations,
// executed actions, compliance violations, guardrail overrides, configuration
// changes and errors, keyed by episode.
package audit

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/episodestore"
	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/repositories"
	"github.com/upb/reward-governance/services"
	"github.com/upb/reward-governance/services/persist"
)

// StoreName identifies the audit log in metrics, retention and persistence
const StoreName = "audit_logs"

// SystemEpisode groups events that belong to no episode, such as
// configuration changes made between rollouts
const SystemEpisode = "system"

// Config holds configuration for the audit logger
type Config struct {
	MaxEpisodes int
	PersistToDB bool
}

// Service is the audit logger
type Service struct {
	store   *episodestore.Store[models.AuditLogEntry]
	repo    repositories.AuditRepository
	queue   persist.Queue
	persist bool
	logger  *zap.Logger
	metrics observability.Metrics
}

// NewService creates an audit logger
func NewService(cfg Config, repo repositories.AuditRepository, queue persist.Queue, logger *zap.Logger, metrics observability.Metrics) (*Service, error) {
	if cfg.PersistToDB && (repo == nil || queue == nil) {
		return nil, services.ErrPersistenceUnavailable.WithDetail("store", StoreName)
	}
	s := &Service{
		store:   episodestore.New[models.AuditLogEntry](cfg.MaxEpisodes),
		repo:    repo,
		queue:   queue,
		persist: cfg.PersistToDB,
		logger:  observability.OrNop(logger),
		metrics: observability.MetricsOrNop(metrics),
	}
	s.store.OnEvict(s.evicted)
	return s, nil
}

func (s *Service) evicted(episodeID string) {
	s.metrics.RecordEviction(StoreName)
	s.logger.Debug("episode evicted", zap.String("store", StoreName), zap.String("episode_id", episodeID))
}

// LogEvent records an event of any known type. stepID and details are optional.
func (s *Service) LogEvent(eventType models.AuditEventType, episodeID, environmentName, message string,
	stepID *int, details map[string]interface{}) (*models.AuditLogEntry, error) {
	entry := models.NewAuditLogEntry(eventType, episodeID, environmentName, message)
	if stepID != nil {
		entry.WithStep(*stepID)
	}
	entry.WithDetails(details)
	return entry, s.Record(entry)
}

// Record stores a prepared entry. The entry is copied; the caller keeps
// ownership of its argument.
func (s *Service) Record(entry *models.AuditLogEntry) error {
	if entry == nil || entry.EpisodeID == "" {
		return services.ErrEmptyEpisodeID
	}
	if !entry.EventType.IsValid() {
		return services.ErrInvalidEventType.WithDetail("event_type", string(entry.EventType))
	}

	stored := entry.Clone()
	s.store.Append(stored.EpisodeID, *stored)
	s.metrics.SetStoredEpisodes(StoreName, s.store.Len())

	fields := []zap.Field{
		zap.String("event_type", string(stored.EventType)),
		zap.String("episode_id", stored.EpisodeID),
		zap.String("message", stored.Message),
	}
	if stored.StepID != nil {
		fields = append(fields, zap.Int("step_id", *stored.StepID))
	}
	switch stored.EventType {
	case models.AuditEventError:
		s.logger.Error("audit event", fields...)
	case models.AuditEventComplianceViolation, models.AuditEventGovernanceOverride:
		s.logger.Info("audit event", fields...)
	default:
		s.logger.Debug("audit event", fields...)
	}

	if !s.persist {
		return nil
	}

	record := stored.Clone()
	err := s.queue.Enqueue(&persist.Job{
		Store:     StoreName,
		EpisodeID: record.EpisodeID,
		Write: func(ctx context.Context) error {
			return s.repo.Insert(ctx, record)
		},
	})
	if err != nil {
		return services.ErrPersistenceFailed.Wrap(err).WithDetail("store", StoreName)
	}
	return nil
}

// Convenience methods for logging common events

// LogVerifierEvaluation records the reward a verifier produced for a step
func (s *Service) LogVerifierEvaluation(episodeID, environmentName string, stepID int, verifierName string,
	reward float64, breakdown map[string]float64) error {
	components := make(map[string]interface{}, len(breakdown))
	for k, v := range breakdown {
		components[k] = v
	}
	_, err := s.LogEvent(models.AuditEventVerifierEvaluation, episodeID, environmentName,
		"verifier "+verifierName+" evaluated step", models.Int(stepID),
		map[string]interface{}{
			"verifier":  verifierName,
			"reward":    reward,
			"breakdown": components,
		})
	return err
}

// LogActionTaken records an executed action together with the guardrail
// decision that let it through
func (s *Service) LogActionTaken(episodeID, environmentName string, stepID int, proposed models.Action,
	decision models.GuardrailDecision) error {
	details := map[string]interface{}{
		"proposed_action": string(proposed),
		"final_action":    string(decision.FinalAction),
		"outcome":         string(decision.Outcome),
	}
	if decision.HasReason() {
		details["reason"] = decision.Reason
	}
	_, err := s.LogEvent(models.AuditEventActionTaken, episodeID, environmentName,
		"action "+string(decision.FinalAction)+" executed", models.Int(stepID), details)
	return err
}

// LogComplianceViolation records one violation found after a transition
func (s *Service) LogComplianceViolation(episodeID, environmentName string, stepID int, violation models.ComplianceViolation) error {
	_, err := s.LogEvent(models.AuditEventComplianceViolation, episodeID, environmentName,
		violation.Message, models.Int(stepID),
		map[string]interface{}{
			"rule_name":  violation.RuleName,
			"rule_type":  string(violation.RuleType),
			"severity":   string(violation.Severity),
			"parameters": models.CloneAnyMap(violation.Parameters),
		})
	return err
}

// LogGovernanceOverride records a non-ALLOW guardrail decision. reviewer is
// the human reviewer for escalations, empty otherwise.
func (s *Service) LogGovernanceOverride(episodeID, environmentName string, override models.OverrideRecord, reviewer string) error {
	entry := models.NewAuditLogEntry(models.AuditEventGovernanceOverride, episodeID, environmentName, override.Reason).
		WithStep(override.StepID).
		WithDetails(map[string]interface{}{
			"original_action": string(override.OriginalAction),
			"final_action":    string(override.FinalAction),
			"outcome":         string(override.Outcome),
		})
	if reviewer != "" {
		entry.WithUser(reviewer)
	}
	return s.Record(entry)
}

// LogConfigChange records a configuration change. An empty episodeID files
// the event under SystemEpisode.
func (s *Service) LogConfigChange(episodeID, component string, changes map[string]interface{}, userID string) error {
	if episodeID == "" {
		episodeID = SystemEpisode
	}
	entry := models.NewAuditLogEntry(models.AuditEventConfigChange, episodeID, "", "configuration of "+component+" changed").
		WithDetails(map[string]interface{}{
			"component": component,
			"changes":   models.CloneAnyMap(changes),
		})
	if userID != "" {
		entry.WithUser(userID)
	}
	return s.Record(entry)
}

// LogError records an error raised while processing an episode
func (s *Service) LogError(episodeID, environmentName string, stepID *int, cause error, details map[string]interface{}) error {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	merged := models.CloneAnyMap(details)
	if merged == nil {
		merged = make(map[string]interface{})
	}
	if t := services.GetErrorType(cause); t != "" {
		merged["error_type"] = string(t)
	}
	_, err := s.LogEvent(models.AuditEventError, episodeID, environmentName, message, stepID, merged)
	return err
}

// GetEpisodeAuditLog returns the entries of an episode in logging order
func (s *Service) GetEpisodeAuditLog(episodeID string) []models.AuditLogEntry {
	entries, _ := s.store.Get(episodeID)
	for i := range entries {
		entries[i] = *entries[i].Clone()
	}
	return entries
}

// GetEventsByType returns entries of one type across all stored episodes,
// oldest first. limit > 0 keeps only the most recent limit entries.
func (s *Service) GetEventsByType(eventType models.AuditEventType, limit int) []models.AuditLogEntry {
	var out []models.AuditLogEntry
	for _, ep := range s.store.Episodes() {
		entries, _ := s.store.Get(ep)
		for i := range entries {
			if entries[i].EventType == eventType {
				out = append(out, *entries[i].Clone())
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// GetComplianceViolations returns the violation events of one episode, or of
// every stored episode when episodeID is empty
func (s *Service) GetComplianceViolations(episodeID string) []models.AuditLogEntry {
	if episodeID == "" {
		return s.GetEventsByType(models.AuditEventComplianceViolation, 0)
	}
	var out []models.AuditLogEntry
	for _, e := range s.GetEpisodeAuditLog(episodeID) {
		if e.EventType == models.AuditEventComplianceViolation {
			out = append(out, e)
		}
	}
	return out
}

// LoadEpisode reads an episode back from the repository
func (s *Service) LoadEpisode(ctx context.Context, episodeID string) ([]*models.AuditLogEntry, error) {
	if s.repo == nil {
		return nil, services.ErrPersistenceUnavailable.WithDetail("store", StoreName)
	}
	entries, err := s.repo.ListByEpisode(ctx, episodeID)
	if err != nil {
		return nil, services.WrapPersistence("failed to load audit log", err)
	}
	return entries, nil
}

// Episodes returns the stored episode ids, least recently written first
func (s *Service) Episodes() []string { return s.store.Episodes() }

// ClearEpisode drops one episode from memory
func (s *Service) ClearEpisode(episodeID string) bool { return s.store.Remove(episodeID) }

// Clear drops every episode from memory
func (s *Service) Clear() { s.store.Clear() }

// Name identifies the audit log to the retention pruner
func (s *Service) Name() string { return StoreName }

// PruneEpisodes keeps the keep most recently written episodes
func (s *Service) PruneEpisodes(keep int) int { return s.store.PruneEpisodes(keep) }

// EpisodeCount returns the number of episodes in memory
func (s *Service) EpisodeCount() int { return s.store.Len() }
