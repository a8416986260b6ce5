package templating

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	defaultCacheTimeout = 5 * time.Minute
	missingKeyMarker    = "map has no entry for key"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Config holds template engine limits and cache settings.
type Config struct {
	CacheTimeout          time.Duration
	MaxSMSLength          int
	MaxConcatenatedLength int
}

// RenderOptions selects a template variant.
type RenderOptions struct {
	Locale string
	Role   string
}

// Stats is a point-in-time snapshot of the engine.
type Stats struct {
	Templates     int     `json:"templates"`
	CachedEntries int     `json:"cachedEntries"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hitRate"`
}

type compiledTemplate struct {
	def     domain.Template
	body    *template.Template
	subject *template.Template
}

type catalogFile struct {
	Templates []domain.Template `yaml:"templates"`
}

// Engine renders registered templates into channel-optimized content.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.RWMutex
	templates map[string]*compiledTemplate

	cache  *cache.Cache
	hits   atomic.Int64
	misses atomic.Int64
}

func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = defaultCacheTimeout
	}
	if cfg.MaxSMSLength <= 0 {
		cfg.MaxSMSLength = domain.MaxSMSSegment
	}
	if cfg.MaxConcatenatedLength <= 0 {
		cfg.MaxConcatenatedLength = domain.MaxSMSConcatenated
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		templates: make(map[string]*compiledTemplate),
		cache:     cache.New(cfg.CacheTimeout, 2*cfg.CacheTimeout),
	}
}

// NewDefaultEngine returns an engine preloaded with the embedded catalog.
func NewDefaultEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	e := NewEngine(cfg, logger)
	if err := e.LoadYAML(defaultCatalog); err != nil {
		return nil, fmt.Errorf("failed to load embedded template catalog: %w", err)
	}
	return e, nil
}

func (e *Engine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read template file %q: %w", path, err)
	}
	return e.LoadYAML(data)
}

func (e *Engine) LoadYAML(data []byte) error {
	var catalog catalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("failed to parse template catalog: %w", err)
	}
	for _, t := range catalog.Templates {
		if err := e.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Register compiles and stores a template. A lower version never replaces a higher one.
func (e *Engine) Register(t domain.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}

	body, err := newTemplate(t.VariantKey() + ":body").Parse(t.Body)
	if err != nil {
		return fmt.Errorf("%w: template %q body does not parse: %v", domain.ErrValidation, t.ID, err)
	}

	var subject *template.Template
	if strings.TrimSpace(t.Subject) != "" {
		subject, err = newTemplate(t.VariantKey() + ":subject").Parse(t.Subject)
		if err != nil {
			return fmt.Errorf("%w: template %q subject does not parse: %v", domain.ErrValidation, t.ID, err)
		}
	}

	key := t.VariantKey()

	e.mu.Lock()
	if existing, ok := e.templates[key]; ok && existing.def.Version > t.Version {
		e.mu.Unlock()
		e.logger.Warn("ignoring older template version",
			zap.String("templateId", t.ID),
			zap.Int("registeredVersion", existing.def.Version),
			zap.Int("version", t.Version),
		)
		return nil
	}
	e.templates[key] = &compiledTemplate{def: t, body: body, subject: subject}
	e.mu.Unlock()

	// Cached renders of the previous version must not survive a replacement.
	e.cache.Flush()
	return nil
}

// Render renders templateID with data into channel-optimized content.
func (e *Engine) Render(templateID string, data map[string]any, opts RenderOptions) (*domain.RenderedContent, error) {
	compiled, err := e.lookup(templateID, opts)
	if err != nil {
		return nil, err
	}

	if missing := missingRequired(compiled.def, data); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %w: template %q requires %s",
			domain.ErrValidation, domain.ErrMissingRequiredField, templateID, strings.Join(missing, ", "))
	}

	cacheKey, cacheable := renderCacheKey(compiled.def.VariantKey(), data)
	if cacheable {
		if cached, ok := e.cache.Get(cacheKey); ok {
			e.hits.Add(1)
			rendered := cached.(domain.RenderedContent)
			return &rendered, nil
		}
	}
	e.misses.Add(1)

	execData := withOptionalDefaults(compiled.def, data)

	text, err := execute(compiled.body, execData)
	if err != nil {
		return nil, renderError(templateID, err)
	}

	var subject string
	if compiled.subject != nil {
		subject, err = execute(compiled.subject, execData)
		if err != nil {
			return nil, renderError(templateID, err)
		}
	}

	optimized := e.OptimizeForChannel(text, compiled.def.Channel)
	rendered := domain.RenderedContent{
		TemplateID:     compiled.def.ID,
		Channel:        compiled.def.Channel,
		Subject:        subject,
		Text:           optimized.Text,
		Truncated:      optimized.Truncated,
		OriginalLength: optimized.OriginalLength,
		SMSCount:       optimized.SMSCount,
		Raw:            text,
	}

	if cacheable {
		e.cache.Set(cacheKey, rendered, cache.DefaultExpiration)
	}

	return &rendered, nil
}

// Channel returns the channel of the best-matching variant, if registered.
func (e *Engine) Channel(templateID string, opts RenderOptions) (domain.Channel, bool) {
	compiled, err := e.lookup(templateID, opts)
	if err != nil {
		return "", false
	}
	return compiled.def.Channel, true
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	templates := len(e.templates)
	e.mu.RUnlock()

	hits := e.hits.Load()
	misses := e.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = roundTo2(float64(hits) / float64(total) * 100)
	}

	return Stats{
		Templates:     templates,
		CachedEntries: e.cache.ItemCount(),
		Hits:          hits,
		Misses:        misses,
		HitRate:       hitRate,
	}
}

func (e *Engine) lookup(templateID string, opts RenderOptions) (*compiledTemplate, error) {
	id := strings.TrimSpace(templateID)
	if id == "" {
		return nil, fmt.Errorf("%w: %w: template id is required", domain.ErrValidation, domain.ErrTemplateNotFound)
	}

	candidates := []string{
		domain.TemplateKey(id, opts.Locale, opts.Role),
		domain.TemplateKey(id, opts.Locale, ""),
		domain.TemplateKey(id, "", opts.Role),
		domain.TemplateKey(id, "", ""),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, key := range candidates {
		if compiled, ok := e.templates[key]; ok {
			return compiled, nil
		}
	}

	return nil, fmt.Errorf("%w: %w: %q (locale=%q role=%q)",
		domain.ErrValidation, domain.ErrTemplateNotFound, id, opts.Locale, opts.Role)
}

func newTemplate(name string) *template.Template {
	return template.New(name).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error")
}

func execute(t *template.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func renderError(templateID string, err error) error {
	// Placeholders not declared as optional are treated as required.
	if strings.Contains(err.Error(), missingKeyMarker) {
		return fmt.Errorf("%w: %w: template %q: %v", domain.ErrValidation, domain.ErrMissingRequiredField, templateID, err)
	}
	return fmt.Errorf("failed to render template %q: %w", templateID, err)
}

func missingRequired(t domain.Template, data map[string]any) []string {
	var missing []string
	for _, field := range t.Required {
		value, ok := data[field]
		if !ok || value == nil {
			missing = append(missing, field)
			continue
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

func withOptionalDefaults(t domain.Template, data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+len(t.Optional))
	for k, v := range data {
		out[k] = v
	}
	for _, field := range t.Optional {
		if _, ok := out[field]; ok {
			continue
		}
		if def, ok := t.Defaults[field]; ok {
			out[field] = def
			continue
		}
		out[field] = ""
	}
	return out
}

// renderCacheKey hashes the JSON form of data; encoding/json sorts map keys.
// Data that cannot be marshaled is rendered without caching.
func renderCacheKey(variantKey string, data map[string]any) (string, bool) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", false
	}

	return variantKey + "|" + strconv.FormatUint(xxhash.Sum64(payload), 16), true
}
