package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/jask/jaskledger/internal/journal"
	"github.com/jask/jaskledger/internal/oplog"
)

// MappingConflict is a GL account claimed by more than one login account.
type MappingConflict struct {
	GLAccount string
	Accounts  []journal.AccountKey
}

// MappingService edits which GL account each login account reconciles into.
type MappingService struct {
	*Store
}

// mappings returns the effective GL account of every login account.
func (s *Store) mappings() (map[journal.AccountKey]string, error) {
	keys, err := s.WS.Accounts()
	if err != nil {
		return nil, err
	}
	out := make(map[journal.AccountKey]string, len(keys))
	for _, k := range keys {
		cfg, err := s.WS.ReadAccountConfig(k)
		if err != nil {
			return nil, err
		}
		out[k] = effectiveGL(cfg)
	}
	return out, nil
}

// holders lists the accounts other than key mapped to gl, sorted.
func holders(m map[journal.AccountKey]string, gl string, key journal.AccountKey) []journal.AccountKey {
	var out []journal.AccountKey
	for k, v := range m {
		if k != key && v == gl {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func mappingConflict(gl string, key journal.AccountKey, others []journal.AccountKey) error {
	names := make([]string, len(others))
	for i, o := range others {
		names[i] = o.String()
	}
	return &journal.ConflictError{
		Resource: "gl account " + gl,
		Reason:   fmt.Sprintf("is mapped by %s and %s", key, strings.Join(names, ", ")),
	}
}

// checkMapping refuses to work against key while its GL account is shared.
func (s *Store) checkMapping(key journal.AccountKey) error {
	m, err := s.mappings()
	if err != nil {
		return err
	}
	gl, ok := m[key]
	if !ok {
		cfg, err := s.WS.ReadAccountConfig(key)
		if err != nil {
			return err
		}
		gl = effectiveGL(cfg)
	}
	if others := holders(m, gl, key); len(others) > 0 {
		return mappingConflict(gl, key, others)
	}
	return nil
}

// SetGLMapping maps key to glAccount; nil restores the default (the
// account's own journal name). A GL account held by another login account
// is refused and nothing changes.
func (s *MappingService) SetGLMapping(ctx context.Context, key journal.AccountKey, glAccount *string) error {
	g, err := s.acquire(ctx, "set gl mapping "+key.String(), true, key.Login)
	if err != nil {
		return err
	}
	defer s.release(g)

	if err := s.WS.EnsureAccount(key); err != nil {
		return err
	}
	cfg, err := s.WS.ReadAccountConfig(key)
	if err != nil {
		return err
	}
	next := cfg
	next.GLAccount = ""
	if glAccount != nil {
		next.GLAccount = strings.TrimSpace(*glAccount)
		if next.GLAccount == "" {
			return fmt.Errorf("gl account for %s: empty name", key)
		}
		if strings.HasPrefix(next.GLAccount, journal.UnreconciledPrefix) {
			return fmt.Errorf("gl account %s: %s accounts cannot be reconciliation targets", next.GLAccount, journal.UnreconciledPrefix)
		}
	}
	target := effectiveGL(next)

	m, err := s.mappings()
	if err != nil {
		return err
	}
	if others := holders(m, target, key); len(others) > 0 {
		s.log().Warn("gl mapping refused", zap.String("account", key.String()), zap.String("gl_account", target))
		return mappingConflict(target, key, others)
	}
	if next == cfg {
		return nil
	}
	if _, err := s.rootLog().Append(oplog.SetGLMapping{Account: key.String(), GLAccount: next.GLAccount}); err != nil {
		return err
	}
	if err := s.WS.WriteAccountConfig(key, next); err != nil {
		return err
	}
	s.log().Info("gl mapping set", zap.String("account", key.String()), zap.String("gl_account", target))
	return nil
}

// Conflicts lists every GL account claimed by more than one login account.
// Mapping edits refuse to create these; they appear when account files are
// edited by hand.
func (s *MappingService) Conflicts() ([]MappingConflict, error) {
	m, err := s.mappings()
	if err != nil {
		return nil, err
	}
	byGL := map[string][]journal.AccountKey{}
	for k, gl := range m {
		byGL[gl] = append(byGL[gl], k)
	}
	var out []MappingConflict
	for gl, keys := range byGL {
		if len(keys) < 2 {
			continue
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		out = append(out, MappingConflict{GLAccount: gl, Accounts: keys})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GLAccount < out[j].GLAccount })
	return out, nil
}

// Mappings returns the effective GL account per login account.
func (s *MappingService) Mappings() (map[journal.AccountKey]string, error) { return s.mappings() }
