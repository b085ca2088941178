package verifier

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/internal/observability"
	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/services"
	"github.com/upb/reward-governance/utils"
)

// Built-in verifier kinds
const (
	KindClinical    = "clinical"
	KindOperational = "operational"
	KindFinancial   = "financial"
	KindCompliance  = "compliance"
)

// DefaultEnsembleID is the instance id of the ensemble built by CreateDefaultEnsemble
const DefaultEnsembleID = "default_ensemble"

// DefaultEnsembleKinds lists the members of the default ensemble in order
var DefaultEnsembleKinds = []string{KindClinical, KindOperational, KindFinancial, KindCompliance}

// Dependencies are handed to every constructor
type Dependencies struct {
	Logger  *zap.Logger
	Metrics observability.Metrics
	Rules   RuleChecker
}

// Constructor builds a verifier from a caller config, which may be nil.
// Constructors apply their own defaults.
type Constructor func(cfg *models.VerifierConfig, deps Dependencies) (Verifier, error)

// Registry maps verifier kinds to constructors and keeps named instances.
// It is an explicit object owned by the caller; independent rollouts can
// hold independent registries.
type Registry struct {
	deps Dependencies

	mu           sync.RWMutex
	constructors map[string]Constructor
	instances    map[string]Verifier
}

// NewRegistry creates a registry with the built-in kinds registered. rules
// backs the compliance verifier and may be nil.
func NewRegistry(logger *zap.Logger, metrics observability.Metrics, rules RuleChecker) *Registry {
	r := &Registry{
		deps: Dependencies{
			Logger:  observability.OrNop(logger),
			Metrics: observability.MetricsOrNop(metrics),
			Rules:   rules,
		},
		constructors: make(map[string]Constructor),
		instances:    make(map[string]Verifier),
	}

	r.constructors[KindClinical] = func(cfg *models.VerifierConfig, deps Dependencies) (Verifier, error) {
		return NewClinicalVerifier(cfg, deps.Logger), nil
	}
	r.constructors[KindOperational] = func(cfg *models.VerifierConfig, deps Dependencies) (Verifier, error) {
		return NewOperationalVerifier(cfg, deps.Logger), nil
	}
	r.constructors[KindFinancial] = func(cfg *models.VerifierConfig, deps Dependencies) (Verifier, error) {
		return NewFinancialVerifier(cfg, deps.Logger), nil
	}
	r.constructors[KindCompliance] = func(cfg *models.VerifierConfig, deps Dependencies) (Verifier, error) {
		return NewComplianceVerifier(cfg, deps.Rules, deps.Logger), nil
	}
	return r
}

// RegisterType adds a constructor for kind
func (r *Registry) RegisterType(kind string, ctor Constructor) error {
	if err := utils.ValidateRequired(kind, "kind"); err != nil {
		return services.ErrInvalidInput.Wrap(err)
	}
	if ctor == nil {
		return services.ErrInvalidInput.WithDetail("reason", "nil constructor")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[kind]; exists {
		return services.ErrDuplicateVerifier.WithDetail("kind", kind)
	}
	r.constructors[kind] = ctor
	r.deps.Logger.Info("verifier type registered", zap.String("kind", kind))
	return nil
}

// CreateVerifier builds a verifier of kind and stores it under
// cfg.Metadata["instance_id"], or under kind when no id is given
func (r *Registry) CreateVerifier(kind string, cfg *models.VerifierConfig) (Verifier, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, services.ErrUnknownVerifierKind.WithDetail("kind", kind)
	}

	if cfg != nil && len(cfg.Weights) > 0 {
		if err := utils.ValidateStruct(cfg); err != nil {
			return nil, services.ErrInvalidVerifierConfig.Wrap(err).WithDetail("kind", kind)
		}
	}

	v, err := ctor(cfg, r.deps)
	if err != nil {
		return nil, services.ErrInvalidVerifierConfig.Wrap(err).WithDetail("kind", kind)
	}

	id := cfg.MetadataString("instance_id", kind)
	r.store(id, v)
	r.deps.Logger.Debug("verifier created",
		zap.String("kind", kind),
		zap.String("instance_id", id),
		zap.String("name", v.Name()))
	return v, nil
}

// CreateDefaultEnsemble builds the clinical, operational, financial and
// compliance members with optional per-kind configs and weights, and stores
// the ensemble as DefaultEnsembleID.
func (r *Registry) CreateDefaultEnsemble(configs map[string]*models.VerifierConfig, weights map[string]float64) (*Ensemble, error) {
	// weights are checked before any member instance is created and stored
	for kind := range weights {
		if !containsKind(DefaultEnsembleKinds, kind) {
			return nil, services.ErrInvalidEnsemble.WithDetail("unknown_kind", kind)
		}
	}

	members := make([]Verifier, 0, len(DefaultEnsembleKinds))
	memberWeights := make(map[string]float64, len(weights))

	for _, kind := range DefaultEnsembleKinds {
		cfg := configs[kind].Clone()
		if cfg == nil {
			cfg = models.NewVerifierConfig(nil, nil)
		}
		if cfg.Metadata == nil {
			cfg.Metadata = make(map[string]interface{})
		}
		if _, ok := cfg.Metadata["instance_id"]; !ok {
			cfg.Metadata["instance_id"] = DefaultEnsembleID + "." + kind
		}

		v, err := r.CreateVerifier(kind, cfg)
		if err != nil {
			return nil, err
		}
		members = append(members, v)
		if w, ok := weights[kind]; ok {
			memberWeights[v.Name()] = w
		}
	}

	ensemble, err := NewEnsemble(members, memberWeights, r.deps.Logger, r.deps.Metrics)
	if err != nil {
		return nil, err
	}
	r.store(DefaultEnsembleID, ensemble)
	r.deps.Logger.Info("default ensemble created",
		zap.Int("members", len(members)),
		zap.Bool("explicit_weights", ensemble.HasExplicitWeights()))
	return ensemble, nil
}

// RegisterInstance stores an existing verifier under id, replacing any
// previous instance
func (r *Registry) RegisterInstance(id string, v Verifier) error {
	if err := utils.ValidateRequired(id, "instance_id"); err != nil {
		return services.ErrInvalidInput.Wrap(err)
	}
	if v == nil {
		return services.ErrInvalidInput.WithDetail("reason", "nil verifier")
	}
	r.store(id, v)
	return nil
}

// GetVerifier returns a stored instance
func (r *Registry) GetVerifier(id string) (Verifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.instances[id]
	if !ok {
		return nil, services.ErrVerifierNotFound.WithDetail("instance_id", id)
	}
	return v, nil
}

// ListVerifierTypes returns the registered kinds, sorted
func (r *Registry) ListVerifierTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.constructors)
}

// ListInstances returns the stored instance ids, sorted
func (r *Registry) ListInstances() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.instances)
}

func (r *Registry) store(id string, v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[id]; exists {
		r.deps.Logger.Debug("verifier instance replaced", zap.String("instance_id", id))
	}
	r.instances[id] = v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsKind(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
