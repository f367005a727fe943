// Package validation checks container agent images against a registry and tag policy
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/distribution/reference"

	"github.com/rizome-dev/conductor/pkg/config"
)

// ErrImageRejected is wrapped by every policy violation
var ErrImageRejected = errors.New("image rejected by policy")

// ImageInfo is a parsed, normalized image reference
type ImageInfo struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
	HasDigest  bool
	// Familiar is the short form, e.g. "alpine:3.19" for docker.io/library/alpine:3.19
	Familiar string
}

// Policy restricts which images may be run
type Policy struct {
	AllowedRegistries []string
	BlockedRegistries []string
	AllowLatestTag    bool
	RequireDigest     bool

	blockedTags []*regexp.Regexp
}

// NewPolicy compiles cfg into a Policy
func NewPolicy(cfg config.ImagePolicyConfig) (*Policy, error) {
	p := &Policy{
		AllowedRegistries: cfg.AllowedRegistries,
		BlockedRegistries: cfg.BlockedRegistries,
		AllowLatestTag:    cfg.AllowLatestTag,
		RequireDigest:     cfg.RequireDigest,
	}
	for _, pattern := range cfg.BlockedTagPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked tag pattern %q: %w", pattern, err)
		}
		p.blockedTags = append(p.blockedTags, re)
	}
	return p, nil
}

// ValidateImage parses image and checks it against the policy
func (p *Policy) ValidateImage(image string) (*ImageInfo, error) {
	info, err := ParseImageReference(image)
	if err != nil {
		return nil, err
	}

	if !IsAllowedRegistry(info.Registry, p.AllowedRegistries) {
		return nil, fmt.Errorf("%w: registry %s is not in allowed list", ErrImageRejected, info.Registry)
	}
	for _, blocked := range p.BlockedRegistries {
		if info.Registry == blocked {
			return nil, fmt.Errorf("%w: registry %s is blocked", ErrImageRejected, info.Registry)
		}
	}

	if p.RequireDigest && !info.HasDigest {
		return nil, fmt.Errorf("%w: %s must be pinned by digest", ErrImageRejected, image)
	}
	// A digest pins the content, so the tag no longer matters
	if info.HasDigest {
		return info, nil
	}
	if !p.AllowLatestTag && info.Tag == "latest" {
		return nil, fmt.Errorf("%w: 'latest' tag is not allowed for %s", ErrImageRejected, info.Familiar)
	}
	for _, re := range p.blockedTags {
		if re.MatchString(info.Tag) {
			return nil, fmt.Errorf("%w: tag %s matches blocked pattern %s", ErrImageRejected, info.Tag, re.String())
		}
	}
	return info, nil
}

// ValidateAgents checks the image of every enabled agent and reports all
// violations at once
func (p *Policy) ValidateAgents(agents []config.AgentSpec) error {
	var errs []error
	for _, spec := range agents {
		if !spec.IsEnabled() {
			continue
		}
		if _, err := p.ValidateImage(spec.Image); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", spec.Type, err))
		}
	}
	return errors.Join(errs...)
}

// ParseImageReference normalizes image the way the docker CLI does, so
// "alpine" becomes docker.io/library/alpine:latest
func ParseImageReference(image string) (*ImageInfo, error) {
	if strings.TrimSpace(image) == "" {
		return nil, fmt.Errorf("image reference is empty")
	}

	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", image, err)
	}

	info := &ImageInfo{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
	}
	if digested, ok := named.(reference.Digested); ok {
		info.Digest = digested.Digest().String()
		info.HasDigest = true
	}
	if tagged, ok := named.(reference.Tagged); ok {
		info.Tag = tagged.Tag()
	} else if !info.HasDigest {
		named = reference.TagNameOnly(named)
		info.Tag = named.(reference.Tagged).Tag()
	}
	info.Familiar = reference.FamiliarString(named)
	return info, nil
}

// IsAllowedRegistry checks registry against allowedList. An empty list or
// "*" allows everything; an entry ending in "*" is a prefix match.
func IsAllowedRegistry(registry string, allowedList []string) bool {
	if len(allowedList) == 0 {
		return true
	}

	for _, allowed := range allowedList {
		if allowed == "*" || registry == allowed {
			return true
		}
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok && strings.HasPrefix(registry, prefix) {
			return true
		}
	}
	return false
}
