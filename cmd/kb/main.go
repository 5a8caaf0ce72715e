package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"kbrag/internal/api"
	"kbrag/internal/config"
	"kbrag/internal/domain"
	"kbrag/internal/embedding"
	"kbrag/internal/embedding/openai"
	"kbrag/internal/events"
	"kbrag/internal/service"
	"kbrag/internal/store/bolt"
	"kbrag/internal/store/memory"
	"kbrag/internal/store/sqlite"
	"kbrag/internal/summarizer"
	"kbrag/internal/tui"
)

const usage = `Usage: kb [-config config.yaml] <command> [args]

Commands:
  serve                              run the HTTP API
  list                               list knowledge bases
  create -name N -model M [-dims D]  create a knowledge base
  ingest -kb ID file1.txt [...]      chunk, embed and store files
  search -kb ID [-limit N] query     search a knowledge base
  tui -kb ID                         interactive search
`

func main() {
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so deferred cleanup, such as closing
// the store, happens before the process exits.
func run(argv []string) int {
	fs := flag.NewFlagSet("kb", flag.ContinueOnError)
	var cfgPath string
	fs.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ~/.config/kb/config.yaml if not provided)")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(argv); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	cmd, args := fs.Arg(0), fs.Args()[1:]
	if !knownCommand(cmd) {
		fs.Usage()
		return 2
	}

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("invalid config: %v", err)
		return 1
	}
	if err := checkStore(cmd, cfg.Store); err != nil {
		log.Print(err)
		return 1
	}

	logger := newLogger(cfg.Log)
	if cmd == "tui" {
		// log lines would draw over the interface
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	slog.SetDefault(logger)

	app, err := newApp(cfg, logger)
	if err != nil {
		log.Printf("init: %v", err)
		return 1
	}
	defer app.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		err = app.serve(ctx)
	case "list":
		err = app.list(ctx)
	case "create":
		err = app.create(ctx, args)
	case "ingest":
		err = app.ingest(ctx, args)
	case "search":
		err = app.search(ctx, args)
	case "tui":
		err = app.tui(ctx, args)
	}
	if err != nil {
		log.Printf("%s: %v", cmd, err)
		return 1
	}
	return 0
}

func knownCommand(cmd string) bool {
	switch cmd {
	case "serve", "list", "create", "ingest", "search", "tui":
		return true
	}
	return false
}

// checkStore refuses the memory store for one-shot commands: each command
// is its own process, so nothing it writes would outlive it.
func checkStore(cmd string, st config.StoreConfig) error {
	if st.Type == "memory" && cmd != "serve" {
		return fmt.Errorf("store type memory does not persist between commands; use bolt or sqlite for %q", cmd)
	}
	return nil
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

type app struct {
	cfg      *config.AppConfig
	log      *slog.Logger
	store    domain.Store
	bus      *events.Bus
	provider *embedding.Provider
	svc      *service.KnowledgeService
}

func newApp(cfg *config.AppConfig, logger *slog.Logger) (*app, error) {
	var st domain.Store
	switch cfg.Store.Type {
	case "memory", "":
		st = memory.NewStorage()
	case "bolt":
		s, err := bolt.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		st = s
	case "sqlite":
		s, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		st = s
	default:
		return nil, fmt.Errorf("unknown store: %s", cfg.Store.Type)
	}

	models := make([]embedding.Model, 0, len(cfg.Embedding.Models))
	for _, m := range cfg.Embedding.Models {
		models = append(models, embedding.Model{ID: m.ID, BaseURL: m.BaseURL, APIKey: m.APIKey(), Dimensions: m.Dimensions})
	}
	client := openai.NewClient(openai.Config{
		Timeout:    time.Duration(cfg.Embedding.TimeoutSecs) * time.Second,
		MaxRetries: cfg.Embedding.MaxRetries,
	})
	provider := embedding.NewProvider(client, models,
		embedding.WithCache(embedding.NewCache(cfg.Embedding.CacheCapacity)),
		embedding.WithLogger(logger.With("component", "embedding")))

	bus := events.NewBus(logger)
	k := cfg.Knowledge
	svc := service.NewKnowledgeService(st, provider, bus,
		service.WithLogger(logger.With("component", "knowledge")),
		service.WithDefaults(service.Defaults{
			ChunkSize:           k.ChunkSize,
			ChunkOverlap:        k.ChunkOverlap,
			SimilarityThreshold: k.SimilarityThreshold,
			DocumentCount:       k.DocumentCount,
			SearchLimit:         k.SearchLimit,
		}))
	return &app{cfg: cfg, log: logger, store: st, bus: bus, provider: provider, svc: svc}, nil
}

func (a *app) serve(ctx context.Context) error {
	var ping api.Pinger
	if p, ok := a.store.(api.Pinger); ok {
		ping = p
	}
	e := api.New(a.svc, a.bus, ping, a.provider, a.log.With("component", "api")).Echo()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("listening", "addr", a.cfg.Server.Addr, "store", a.cfg.Store.Type)
		errCh <- e.Start(a.cfg.Server.Addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func (a *app) list(ctx context.Context) error {
	kbs, err := a.svc.ListKnowledgeBases(ctx)
	if err != nil {
		return err
	}
	for _, kb := range kbs {
		docs, err := a.svc.GetDocuments(ctx, kb.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\tmodel=%s\tdims=%d\tchunks=%d\n", kb.ID, kb.Name, kb.EmbeddingModelID, kb.Dimensions, len(docs))
	}
	return nil
}

func (a *app) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	name := fs.String("name", "", "knowledge base name")
	desc := fs.String("description", "", "description")
	model := fs.String("model", "", "embedding model id")
	dims := fs.Int("dims", 0, "vector dimensions (defaults to the model's)")
	size := fs.Int("chunk-size", 0, "chunk size in characters")
	overlap := fs.Int("chunk-overlap", -1, "chunk overlap in characters")
	threshold := fs.Float64("threshold", 0, "similarity threshold")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *name == "" || *model == "" {
		return errors.New("-name and -model are required")
	}
	m, ok := a.provider.Model(*model)
	if !ok {
		return fmt.Errorf("%w: unknown embedding model %q", domain.ErrConfig, *model)
	}
	if *dims == 0 {
		*dims = m.Dimensions
	}
	p := service.CreateParams{
		Name: *name, Description: *desc, EmbeddingModelID: *model, Dimensions: *dims,
		ChunkSize: *size, SimilarityThreshold: *threshold,
	}
	if *overlap >= 0 {
		p.ChunkOverlap = overlap
	}
	kb, err := a.svc.CreateKnowledgeBase(ctx, p)
	if err != nil {
		return err
	}
	return printJSON(kb)
}

func (a *app) ingest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	kbID := fs.String("kb", "", "knowledge base id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *kbID == "" || fs.NArg() == 0 {
		return errors.New("usage: ingest -kb ID file1.txt [...]")
	}

	progress, unsubscribe := a.bus.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range progress {
			if p, ok := e.Payload.(events.DocumentProcessedPayload); ok {
				fmt.Fprintf(os.Stderr, "\r  chunk %d/%d", p.Progress.Current, p.Progress.Total)
			}
		}
	}()
	defer func() {
		unsubscribe()
		<-done
	}()

	for _, pattern := range fs.Args() {
		matches, _ := filepath.Glob(pattern)
		if matches == nil {
			matches = []string{pattern}
		}
		for _, path := range matches {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			docs, err := a.svc.AddDocument(ctx, service.AddDocumentParams{
				KnowledgeBaseID: *kbID,
				Content:         string(data),
				Metadata:        domain.Metadata{Source: "file", FileName: filepath.Base(path), FileID: path},
			})
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fallback := 0
			for _, d := range docs {
				if d.Fallback {
					fallback++
				}
			}
			fmt.Fprintf(os.Stderr, "\r%s: %d chunks stored, %d with fallback vectors\n", path, len(docs), fallback)
		}
	}
	return nil
}

func (a *app) search(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	kbID := fs.String("kb", "", "knowledge base id")
	limit := fs.Int("limit", 0, "max results")
	threshold := fs.Float64("threshold", -2, "similarity threshold (default: the knowledge base's)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *kbID == "" || query == "" {
		return errors.New("usage: search -kb ID [-limit N] query")
	}
	p := service.SearchParams{KnowledgeBaseID: *kbID, Query: query}
	if *limit > 0 {
		p.Limit = limit
	}
	if *threshold >= -1 {
		p.Threshold = threshold
	}
	resp, err := a.svc.Search(ctx, p)
	if err != nil {
		return err
	}
	if resp.Degraded {
		fmt.Fprintln(os.Stderr, "warning: query embedding failed, results are not meaningful")
	}
	if len(resp.Results) == 0 {
		fmt.Println("No relevant content found.")
		return nil
	}
	for i, r := range resp.Results {
		fmt.Printf("%d. [%.3f] %s #%d\n%s\n\n", i+1, r.Similarity, r.Metadata.FileName, r.Metadata.ChunkIndex, r.Content)
	}
	return nil
}

func (a *app) tui(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tui", flag.ContinueOnError)
	kbID := fs.String("kb", "", "knowledge base id")
	limit := fs.Int("limit", 10, "max results")
	if err := fs.Parse(args); err != nil {
		return err
	}

	kb, err := a.svc.GetKnowledgeBase(ctx, *kbID)
	if err != nil {
		return err
	}
	if kb == nil {
		return fmt.Errorf("knowledge base %s: %w", *kbID, domain.ErrNotFound)
	}
	docs, err := a.svc.GetDocuments(ctx, kb.ID)
	if err != nil {
		return err
	}
	summary := summarizer.NewFrequencySummarizer().SummarizeDocuments(docs, kb.ChunkOverlap, 3)

	m := tui.New(ctx, a.svc, *kb, summary, *limit)
	_, err = tea.NewProgram(m, tea.WithContext(ctx)).Run()
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
