package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gitswarm/gitswarm/internal/config"
	"github.com/gitswarm/gitswarm/internal/consensus"
	"github.com/gitswarm/gitswarm/internal/coordinator"
	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/identity"
	"github.com/gitswarm/gitswarm/internal/mechanics"
	"github.com/gitswarm/gitswarm/internal/repocfg"
	"github.com/gitswarm/gitswarm/internal/repos"
	"github.com/gitswarm/gitswarm/internal/schema"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/stream"
	"github.com/gitswarm/gitswarm/internal/syncer"
	"github.com/gitswarm/gitswarm/internal/tasks"
	"github.com/gitswarm/gitswarm/internal/types"
)

// engine is the fully wired local federation stack, built once per command.
type engine struct {
	root    string
	st      store.Store
	idsvc   *identity.Service
	reposvc *repos.Service
	consen  *consensus.Service
	streams *stream.Manager
	coord   *coordinator.Coordinator
	sync    *syncer.Engine
	checker *syncer.Checker
	tasks   *tasks.Service
	git     mechanics.Client
	cfg     repocfg.Config
}

// findRepoRoot walks up from CWD to the directory holding .gitswarm.
func findRepoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		if fi, err := os.Stat(filepath.Join(dir, ".gitswarm")); err == nil && fi.IsDir() {
			return dir, nil
		}
		if dir == filepath.Dir(dir) {
			return "", errkind.New(errkind.InvalidInput,
				"no .gitswarm directory found; run 'gitswarm init' first")
		}
	}
}

// openStore opens the configured backend. sqlite is the default; postgres
// needs db.dsn (or GITSWARM_DB_DSN).
func openStore(ctx context.Context, root string) (store.Store, error) {
	driver := config.GetString("db.driver")
	dsn := config.GetString("db.dsn")
	switch driver {
	case "", "sqlite":
		if dsn == "" {
			dsn = filepath.Join(root, ".gitswarm", "federation.db")
		}
		return store.OpenSQLite(ctx, dsn)
	case "postgres":
		if dsn == "" {
			return nil, errkind.New(errkind.InvalidInput, "db.driver=postgres requires db.dsn")
		}
		return store.OpenPostgres(ctx, dsn)
	}
	return nil, errkind.New(errkind.InvalidInput, "unknown db.driver %q", driver)
}

// openEngine builds the stack rooted at the nearest .gitswarm directory.
func openEngine(ctx context.Context) (*engine, error) {
	root, err := findRepoRoot()
	if err != nil {
		return nil, err
	}
	return openEngineAt(ctx, root)
}

func openEngineAt(ctx context.Context, root string) (*engine, error) {
	st, err := openStore(ctx, root)
	if err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, st); err != nil {
		_ = st.Close()
		return nil, err
	}

	git, err := mechanics.NewGit(root)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	client := syncer.NewClient(config.GetString("server.endpoint"), config.GetString("server.token"))
	syncEngine := syncer.New(st, client)
	idsvc := identity.New(st)
	reposvc := repos.New(st)
	consen := consensus.New(st)
	checker := syncer.NewChecker(st, consen, syncEngine)

	streams := stream.NewManager(st, idsvc, reposvc, git, syncEngine)
	coord := coordinator.New(st, idsvc, reposvc, checker, git, syncEngine, nil)
	streams.SetMerger(coord)

	e := &engine{
		root: root, st: st,
		idsvc: idsvc, reposvc: reposvc, consen: consen,
		streams: streams, coord: coord,
		sync: syncEngine, checker: checker,
		tasks: tasks.New(st), git: git,
	}
	e.applyRepoConfig()
	return e, nil
}

// applyRepoConfig loads .gitswarm/config.yml and pushes the runtime knobs
// into the coordinator. DB-side application happens via 'gitswarm config
// apply' and at init.
func (e *engine) applyRepoConfig() {
	cfg, _, err := repocfg.Load(e.root)
	if err != nil {
		// Invalid file: run on defaults, the config command reports details.
		cfg = repocfg.Default()
	}
	e.cfg = cfg
	e.coord.SetFlakePolicy(cfg.FlakeDetection.Enabled, cfg.FlakeDetection.RetryCount, cfg.FlakeDetection.FlakyThreshold)
	e.coord.SetQueueOptions(coordinator.QueueOptions{
		BatchSize:       cfg.MergeQueue.BatchSize,
		BisectOnFailure: cfg.MergeQueue.BisectOnFailure,
	})
	if len(cfg.Plugins) > 0 {
		specs := make([]coordinator.PluginSpec, 0, len(cfg.Plugins))
		for _, p := range cfg.Plugins {
			specs = append(specs, coordinator.PluginSpec{Name: p.Name, Tier: p.Tier, Options: p.Options})
		}
		e.coord.SetPlugins(specs)
	}
}

func (e *engine) Close() {
	_ = e.st.Close()
}

// repoID resolves the acting repo: --repo flag, then settings, then the
// sole registered repo.
func (e *engine) repoID(ctx context.Context) (string, error) {
	if repoFlag != "" {
		return repoFlag, nil
	}
	if id := config.GetString("repo-id"); id != "" {
		return id, nil
	}
	rows, err := e.st.Query(ctx, `SELECT id FROM repos LIMIT 2`)
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()
	var found []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		found = append(found, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(found) {
	case 0:
		return "", errkind.New(errkind.NotFound, "no repo registered; run 'gitswarm init'")
	case 1:
		return found[0], nil
	}
	return "", errkind.New(errkind.InvalidInput,
		"multiple repos registered; pass --repo or set repo-id in %s", config.SettingsFile)
}

// agent resolves the acting agent by name: --agent flag, then settings.
func (e *engine) agent(ctx context.Context) (*types.Agent, error) {
	name := agentFlag
	if name == "" {
		name = config.GetString("agent")
	}
	if name == "" {
		return nil, errkind.New(errkind.InvalidInput,
			"no acting agent; pass --agent or set agent in %s", config.SettingsFile)
	}
	return e.idsvc.GetAgentByName(ctx, name)
}
