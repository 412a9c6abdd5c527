package types

import (
	"fmt"
	"net/url"
)

// Validate performs structural validation of a catalog asset before it
// is allowed into an orchestration attempt.
func (a *Asset) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("asset id is required")
	}

	if len(a.Services) == 0 {
		return fmt.Errorf("asset %s declares no services", a.ID)
	}

	if len(a.AccessDetails) != len(a.Services) {
		return fmt.Errorf("asset %s: %d services but %d access details",
			a.ID, len(a.Services), len(a.AccessDetails))
	}

	for i := range a.Services {
		if err := a.Services[i].Validate(); err != nil {
			return fmt.Errorf("asset %s service %d: %w", a.ID, i, err)
		}
	}

	for i := range a.AccessDetails {
		if err := a.AccessDetails[i].Validate(); err != nil {
			return fmt.Errorf("asset %s access details %d: %w", a.ID, i, err)
		}
	}

	return nil
}

// Validate checks a single service offer.
func (s *Service) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("service id is required")
	}

	switch s.Kind {
	case ServiceKindAccess, ServiceKindCompute:
	default:
		return fmt.Errorf("unknown service kind %q", s.Kind)
	}

	if s.ServiceEndpoint == "" {
		return fmt.Errorf("service endpoint is required")
	}
	if _, err := url.ParseRequestURI(s.ServiceEndpoint); err != nil {
		return fmt.Errorf("invalid service endpoint %q: %w", s.ServiceEndpoint, err)
	}

	return nil
}

// Validate checks the pricing classification of a service.
func (d *AccessDetails) Validate() error {
	switch d.Type {
	case AccessTypeFree:
		return nil
	case AccessTypeFixed, AccessTypeDynamic:
		if d.Price.IsNil() || d.Price.IsNegative() {
			return fmt.Errorf("priced access details require a non-negative price")
		}
		if d.BaseToken.Address == "" {
			return fmt.Errorf("priced access details require a base token address")
		}
		return nil
	case AccessTypeNotSupported:
		return fmt.Errorf("access type is not supported for ordering")
	default:
		return fmt.Errorf("unknown access type %q", d.Type)
	}
}

// Validate is the resource selection precondition gate. An absent or
// empty selection fails orchestration before any remote call is made.
func (r *ResourceSelection) Validate() error {
	if r == nil {
		return fmt.Errorf("resource selection is required")
	}

	switch r.Mode {
	case ResourceModeFree, ResourceModePaid:
	default:
		return fmt.Errorf("unknown resource mode %q", r.Mode)
	}

	if len(r.Amounts) == 0 {
		return fmt.Errorf("resource selection has no resource amounts")
	}
	for kind, amount := range r.Amounts {
		if amount < 0 {
			return fmt.Errorf("negative amount %d for resource %s", amount, kind)
		}
	}

	if r.JobDurationSeconds == 0 {
		return fmt.Errorf("job duration must be positive")
	}

	if r.Mode == ResourceModePaid && (r.TotalPrice.IsNil() || r.TotalPrice.IsNegative()) {
		return fmt.Errorf("paid selections require a non-negative total price")
	}

	return nil
}

// Validate checks a compute environment record.
func (e *ComputeEnvironment) Validate() error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("compute environment is required")
	}
	if e.Consumer == "" {
		return fmt.Errorf("compute environment has no consumer address")
	}
	if len(e.Resources) == 0 {
		return fmt.Errorf("compute environment %s declares no resources", e.ID)
	}
	return nil
}
