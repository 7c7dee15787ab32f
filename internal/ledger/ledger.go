// Package ledger answers budget admission checks.
//
// Enforcement is lazy: a check compares already-recorded spend in the
// current bucket against the ceiling and never estimates the cost of the
// request being admitted. A request may therefore cross the ceiling; the
// next one is refused.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/vnmchuo/llm-meter/internal/billing"
	"github.com/vnmchuo/llm-meter/internal/tenant"
)

type Scope string

const (
	ScopeProject Scope = "project"
	ScopeUser    Scope = "user"
)

// Decision is the outcome of an admission check. For a denial Period,
// Scope, Limit and Used describe the ceiling that was hit.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Period  Period  `json:"period,omitempty"`
	Scope   Scope   `json:"scope,omitempty"`
	Limit   float64 `json:"limit,omitempty"`
	Used    float64 `json:"used,omitempty"`
}

// SpendReader reports recorded spend over the UTC days [from, to). A nil
// userID means the whole tenant.
type SpendReader interface {
	Spent(ctx context.Context, tenantID string, userID *string, from, to time.Time) (float64, error)
}

// DirectReader reads the durable aggregate on every check.
type DirectReader struct {
	store billing.Store
}

func NewDirectReader(store billing.Store) *DirectReader {
	return &DirectReader{store: store}
}

func (r *DirectReader) Spent(ctx context.Context, tenantID string, userID *string, from, to time.Time) (float64, error) {
	return r.store.SumCost(ctx, tenantID, userID, from, to)
}

type Ledger struct {
	reader      SpendReader
	periods     []Period
	headerUsers bool
	now         func() time.Time
}

// New builds a Ledger. With headerUsers set, per-user ceilings also apply
// to identities taken from the user header under a shared key; otherwise
// only personal credentials are held to them.
func New(reader SpendReader, periods []Period, headerUsers bool) *Ledger {
	if len(periods) == 0 {
		periods = []Period{Daily}
	}
	return &Ledger{reader: reader, periods: periods, headerUsers: headerUsers, now: time.Now}
}

func (l *Ledger) Periods() []Period {
	return l.periods
}

func (l *Ledger) userScoped(cred *tenant.Credential) bool {
	return cred.UserID != "" && (cred.Personal || l.headerUsers)
}

// Admit checks every configured period, project scope before user scope,
// and returns the first ceiling already reached. A read error is returned
// as is; callers must not admit on error.
func (l *Ledger) Admit(ctx context.Context, cred *tenant.Credential) (Decision, error) {
	now := l.now()
	t := cred.Tenant

	for _, p := range l.periods {
		from, to := p.Bucket(now)

		if limit := t.Limits.Get(string(p)); limit != nil {
			used, err := l.reader.Spent(ctx, t.ID, nil, from, to)
			if err != nil {
				return Decision{}, fmt.Errorf("failed to read %s project spend: %w", p, err)
			}
			if used >= *limit {
				return Decision{Period: p, Scope: ScopeProject, Limit: *limit, Used: used}, nil
			}
		}

		if !l.userScoped(cred) {
			continue
		}
		if limit := t.UserLimits.Get(string(p)); limit != nil {
			user := cred.SpendKey()
			used, err := l.reader.Spent(ctx, t.ID, &user, from, to)
			if err != nil {
				return Decision{}, fmt.Errorf("failed to read %s user spend: %w", p, err)
			}
			if used >= *limit {
				return Decision{Period: p, Scope: ScopeUser, Limit: *limit, Used: used}, nil
			}
		}
	}
	return Decision{Allowed: true}, nil
}

// PeriodUsage is the spend and ceilings for one period's current bucket.
type PeriodUsage struct {
	Period       Period    `json:"period"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	ProjectUsed  float64   `json:"project_used"`
	ProjectLimit *float64  `json:"project_limit"`
	UserID       string    `json:"user_id,omitempty"`
	UserUsed     *float64  `json:"user_used,omitempty"`
	UserLimit    *float64  `json:"user_limit,omitempty"`
}

// Usage reports current-bucket spend for the caller in every period.
func (l *Ledger) Usage(ctx context.Context, cred *tenant.Credential) ([]PeriodUsage, error) {
	now := l.now()
	t := cred.Tenant
	out := make([]PeriodUsage, 0, len(l.periods))

	for _, p := range l.periods {
		from, to := p.Bucket(now)
		u := PeriodUsage{Period: p, From: from, To: to, ProjectLimit: t.Limits.Get(string(p))}

		used, err := l.reader.Spent(ctx, t.ID, nil, from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s project spend: %w", p, err)
		}
		u.ProjectUsed = used

		if cred.UserID != "" {
			user := cred.SpendKey()
			used, err := l.reader.Spent(ctx, t.ID, &user, from, to)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s user spend: %w", p, err)
			}
			u.UserID = cred.UserID
			u.UserUsed = &used
			if l.userScoped(cred) {
				u.UserLimit = t.UserLimits.Get(string(p))
			}
		}
		out = append(out, u)
	}
	return out, nil
}
