// Package multirepo implements the Multi-Repository Client (C7, spec
// §4.7 / TAP 4): a path-mapping policy layer that composes one Updater
// per configured repository and resolves a target path to a TargetFile
// by cross-repository consensus rather than trusting any single
// repository.
//
// The per-rule, per-repository fan-out is grounded on spec §5's explicit
// parallelism boundary ("the Multi-Repo Client may run per-repository
// refreshes concurrently; each repository has its own isolated Trusted
// Metadata Set") — this is the one place in the module a goroutine
// fan-out is spec-mandated rather than an implementation detail, so it is
// the one package that reaches for concurrency.
package multirepo

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/kolide/tuf/fetcher"
	"github.com/kolide/tuf/metadata"
	"github.com/kolide/tuf/tuferrors"
	"github.com/kolide/tuf/updater"
)

// RepoConfig is one entry of a Map document's "repositories" object
// (spec §4.7). TrustedRootBytes holds the bootstrap root the Map's
// trusted_root_bytes_ref is resolved to before this client is
// constructed — resolving that reference (e.g. reading a local file or a
// side-channel bundle) is the caller's concern, not this package's.
type RepoConfig struct {
	Name             string
	MetadataURL      string
	TargetsURL       string
	TrustedRootBytes []byte
}

// MappingRule is one entry of a Map document's "mapping" array.
type MappingRule struct {
	Paths        []string
	Repositories []string
	Threshold    int
	Terminating  bool
}

// matchesAny reports whether path matches any of the rule's path patterns,
// using the same glob rule as delegated-role path matching (spec §4.3).
func (r *MappingRule) matchesAny(path string) bool {
	for _, pattern := range r.Paths {
		if metadata.MatchGlob(pattern, path) {
			return true
		}
	}
	return false
}

// MapFile is the parsed contents of a TAP-4 map.json document.
type MapFile struct {
	Repositories map[string]RepoConfig
	Mapping      []MappingRule
}

// FetcherFactory builds the Fetcher a given repository's Updater should
// use — typically a single shared *fetcher.HTTPFetcher, but kept
// pluggable so tests can hand each repository its own fake.
type FetcherFactory func(repoName string) fetcher.Fetcher

// Client is the Multi-Repository Client: one Updater per configured
// repository plus the mapping policy that arbitrates between them.
type Client struct {
	mapFile  *MapFile
	updaters map[string]*updater.Updater
}

// New constructs a Client, building one Updater per repository entry in
// mapFile. opts is applied identically to every constructed Updater;
// pass updater.WithLogger/WithCache/etc. to configure them uniformly.
func New(mapFile *MapFile, newFetcher FetcherFactory, opts ...updater.Option) (*Client, error) {
	updaters := make(map[string]*updater.Updater, len(mapFile.Repositories))
	for name, cfg := range mapFile.Repositories {
		u, err := updater.New(cfg.TrustedRootBytes, cfg.MetadataURL, cfg.TargetsURL, newFetcher(name), opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "constructing updater for repository %q", name)
		}
		updaters[name] = u
	}
	return &Client{mapFile: mapFile, updaters: updaters}, nil
}

// Resolution is the result of a successful GetTargetInfo consensus.
type Resolution struct {
	TargetFile   *metadata.TargetFile
	Repositories []string
}

// GetTargetInfo implements spec §4.7: walk mapping rules in order; for
// each rule matching path, fan out get_target_info to every named
// repository, group the results by (length, hashes) equality, and return
// the first group reaching the rule's threshold. A matching rule that
// reaches no threshold ends the search with a nil result if it is
// terminating; otherwise the walk continues with the next rule.
func (c *Client) GetTargetInfo(ctx context.Context, path string) (*Resolution, error) {
	for _, rule := range c.mapFile.Mapping {
		if !rule.matchesAny(path) {
			continue
		}
		groups, err := c.queryRepositories(ctx, rule, path)
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			if len(g.repos) >= rule.Threshold {
				return &Resolution{TargetFile: g.tf, Repositories: g.repos}, nil
			}
		}
		if rule.Terminating {
			return nil, nil
		}
	}
	return nil, nil
}

type group struct {
	tf    *metadata.TargetFile
	repos []string
}

// queryRepositories fans out get_target_info to every repository named
// by rule, concurrently (spec §5), and groups the non-error,
// non-not-found results by consensus key.
func (c *Client) queryRepositories(ctx context.Context, rule MappingRule, path string) ([]group, error) {
	type result struct {
		repo string
		tf   *metadata.TargetFile
	}
	results := make([]result, len(rule.Repositories))
	var wg sync.WaitGroup
	for i, name := range rule.Repositories {
		u, ok := c.updaters[name]
		if !ok {
			return nil, errors.Errorf("mapping rule references unknown repository %q", name)
		}
		wg.Add(1)
		go func(i int, name string, u *updater.Updater) {
			defer wg.Done()
			tf, _, err := u.GetTargetInfo(ctx, path)
			if err != nil {
				// A single repository's failure does not fail the whole
				// lookup; it simply does not contribute a vote, matching
				// spec §4.7's silence on per-repository transport errors —
				// consensus is about agreement among the repositories that
				// DID answer.
				return
			}
			results[i] = result{repo: name, tf: tf}
		}(i, name, u)
	}
	wg.Wait()

	byKey := make(map[string]*group)
	var order []string
	for _, r := range results {
		if r.tf == nil {
			continue
		}
		key := consensusKey(r.tf)
		g, ok := byKey[key]
		if !ok {
			g = &group{tf: r.tf}
			byKey[key] = g
			order = append(order, key)
		}
		g.repos = append(g.repos, r.repo)
	}
	groups := make([]group, 0, len(order))
	for _, k := range order {
		groups = append(groups, *byKey[k])
	}
	return groups, nil
}

// consensusKey derives a grouping key from (length, hashes), ignoring
// custom, per spec §4.7's equality rule.
func consensusKey(tf *metadata.TargetFile) string {
	algs := make([]string, 0, len(tf.Hashes))
	for alg := range tf.Hashes {
		algs = append(algs, alg)
	}
	sort.Strings(algs)
	var b strings.Builder
	b.WriteString(strconv.FormatInt(tf.Length, 10))
	for _, alg := range algs {
		b.WriteByte('|')
		b.WriteString(alg)
		b.WriteByte('=')
		b.WriteString(tf.Hashes[alg])
	}
	return b.String()
}

// DownloadTarget downloads from the first agreeing repository in res,
// using that repository's own Updater (and therefore spec §4.6's
// verification), since the consensus TargetFile's hashes are already
// pinned by agreement among repositories.
func (c *Client) DownloadTarget(ctx context.Context, res *Resolution, path, localDest string) (string, []byte, error) {
	if len(res.Repositories) == 0 {
		return "", nil, &tuferrors.NotInitialized{Msg: "resolution carries no agreeing repository"}
	}
	u, ok := c.updaters[res.Repositories[0]]
	if !ok {
		return "", nil, errors.Errorf("unknown repository %q in resolution", res.Repositories[0])
	}
	return u.DownloadTarget(ctx, res.TargetFile, path, localDest)
}
