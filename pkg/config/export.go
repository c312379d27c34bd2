package config

import (
	"github.com/psaab/flowfw/pkg/dataplane"
	"github.com/psaab/flowfw/pkg/errors"
	"github.com/psaab/flowfw/pkg/ruleset"
)

// Export describes the live state of snap: the configuration it was built
// from, with current table contents and the current members of every
// dynamic group.
func Export(snap *dataplane.Snapshot) (*Config, error) {
	src, ok := snap.Source.(*Config)
	if !ok {
		return nil, errors.New(errors.KindNotFound, "snapshot was not built from a configuration")
	}
	cfg, err := src.Clone()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "copy configuration")
	}

	for i := range cfg.Tables {
		tc := &cfg.Tables[i]
		t := snap.Tables.ByName(tc.Name)
		if t == nil {
			continue
		}
		tc.Entries = tc.Entries[:0]
		for _, p := range t.List() {
			tc.Entries = append(tc.Entries, p.String())
		}
	}

	for i := range cfg.Rules {
		rc := &cfg.Rules[i]
		if !rc.Dynamic {
			continue
		}
		rules, err := snap.Rules.ListDynamic(rc.Name)
		if err != nil {
			return nil, errors.Attr(errors.Wrap(err, errors.KindInternal, "list dynamic group"), "rule", rc.Name)
		}
		rc.Rules = make([]RuleConfig, 0, len(rules))
		for _, r := range rules {
			rc.Rules = append(rc.Rules, describe(r))
		}
	}
	return cfg, nil
}

// describe returns the configuration of r, from its metadata when r was
// built from one.
func describe(r *ruleset.Rule) RuleConfig {
	rc, ok := r.Meta().(RuleConfig)
	if !ok {
		rc = RuleConfig{Name: r.Name(), Action: ActionBlock}
		if r.Pass() {
			rc.Action = ActionPass
		}
		rc.Stateful = r.Stateful()
	}
	rc.Key = r.Key()
	rc.Priority = r.Priority()
	return rc
}
