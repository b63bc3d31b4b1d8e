package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"docsearch/internal/config"
	"docsearch/internal/embedding"
	"docsearch/internal/enhance"
	"docsearch/internal/helper"
	"docsearch/internal/indexer"
)

const configFilePath = "./configs/config.yaml"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()

	configPath := flag.String("config", configFilePath, "Path to the config file")
	collection := flag.String("collection", indexer.DefaultCollection, "Collection to operate on")
	filePath := flag.String("file", "", "Path to a document file to index")
	query := flag.String("query", "", "Query to search for")
	deleteID := flag.String("delete", "", "Document id to delete")
	list := flag.Bool("list", false, "List indexed documents")
	rebuild := flag.Bool("rebuild", false, "Compact the collection's vector index")
	reindex := flag.Bool("reindex", false, "Rebuild the collection from its retained source files")
	backup := flag.String("backup", "", "Write a backup of the collection to this path")
	restore := flag.String("restore", "", "Restore the collection from this backup file")
	overwrite := flag.Bool("overwrite", false, "Allow restore to replace an existing collection")
	topK := flag.Int("top", 0, "Number of results to return")
	rerank := flag.Bool("rerank", false, "Rerank results with the selected AI providers")
	synthesize := flag.Bool("synthesize", false, "Synthesize an answer with the selected AI providers")
	providers := flag.String("providers", "", "Comma-separated AI providers (openai, anthropic, ollama)")
	flag.Parse()

	cfg := loadConfig(*configPath)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx := context.Background()

	// The embedding model is loaded exactly once; without it no search
	// functionality is meaningful, so failure here is fatal.
	embedder, err := embedding.NewService(ctx, &cfg.EmbedLLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing embedding model")
	}

	manager := indexer.NewManager(cfg, embedder)
	defer manager.CloseAll()

	if *restore != "" {
		// an explicit -collection overrides the name stored in the backup
		target := ""
		flag.Visit(func(f *flag.Flag) {
			if f.Name == "collection" {
				target = *collection
			}
		})
		restored, err := manager.Restore(ctx, target, *restore, *overwrite)
		if err != nil {
			log.Fatal().Err(err).Str("backup", *restore).Msg("Error restoring backup")
		}
		fmt.Printf("Restored %s into collection %s\n", *restore, restored.Name())
		return
	}

	ix, err := manager.Collection(ctx, *collection)
	if err != nil {
		log.Fatal().Err(err).Str("collection", *collection).Msg("Error opening collection")
	}

	switch {
	case *filePath != "":
		indexFile(ctx, ix, *filePath)
	case *query != "":
		search(ctx, ix, cfg, *query, *topK, *rerank, *synthesize, *providers)
	case *deleteID != "":
		deleteDocument(ctx, ix, *deleteID)
	case *list:
		listDocuments(ctx, ix)
	case *rebuild:
		if err := ix.Rebuild(ctx); err != nil {
			log.Fatal().Err(err).Msg("Error rebuilding index")
		}
	case *backup != "":
		if err := ix.Backup(ctx, *backup, "", true); err != nil {
			log.Fatal().Err(err).Str("path", *backup).Msg("Error creating backup")
		}
		fmt.Printf("Backup written to %s\n", *backup)
	case *reindex:
		report, err := ix.Reindex(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Error reindexing collection")
		}
		helper.PrettyPrint(report)
	default:
		log.Fatal().Msg("Provide one of -file, -query, -delete, -list, -rebuild, -reindex, -backup or -restore")
	}
}

func loadConfig(path string) *config.Config {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("No config file, using defaults")
			return config.Default()
		}
		log.Fatal().Err(err).Msg("Error loading config")
	}
	log.Debug().Interface("config", cfg).Msg("Loaded config")
	return cfg
}

func indexFile(ctx context.Context, ix *indexer.Indexer, path string) {
	info, err := ix.IndexDocument(ctx, path, filepath.Base(path))
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Error indexing document")
	}
	helper.PrettyPrint(info)
}

func search(ctx context.Context, ix *indexer.Indexer, cfg *config.Config, query string, topK int, rerank, synthesize bool, providerList string) {
	req := indexer.SearchRequest{Query: query, TopK: topK}
	if providerList != "" {
		opts := &enhance.Options{Rerank: rerank, Synthesize: synthesize}
		for _, kind := range strings.Split(providerList, ",") {
			kind = strings.TrimSpace(kind)
			spec := enhance.ProviderSpec{Kind: kind}
			switch kind {
			case enhance.KindOpenAI:
				spec.APIKey = os.Getenv("OPENAI_API_KEY")
				spec.Timeout = time.Duration(cfg.AI.CloudTimeoutSec) * time.Second
			case enhance.KindAnthropic:
				spec.APIKey = os.Getenv("ANTHROPIC_API_KEY")
				spec.Timeout = time.Duration(cfg.AI.CloudTimeoutSec) * time.Second
			case enhance.KindOllama:
				spec.BaseURL = cfg.EmbedLLM.BaseURL
				spec.Timeout = time.Duration(cfg.AI.LocalTimeoutSec) * time.Second
			}
			opts.Providers = append(opts.Providers, spec)
		}
		req.Enhance = opts
	}

	resp, err := ix.Search(ctx, req)
	if err != nil {
		log.Fatal().Err(err).Msg("Error searching")
	}

	fmt.Printf("Query: %s\n\n", resp.Query)
	for i, r := range resp.Results {
		fmt.Printf("%2d. [%.4f] %s p.%d (%s)\n    %s\n\n",
			i+1, r.SimilarityScore, r.Filename, r.PageNumber, r.ChunkID, r.Text)
	}
	for _, e := range resp.Enhancements {
		fmt.Printf("--- %s ---\n", e.Provider)
		if e.Err != "" {
			fmt.Printf("unavailable: %s\n\n", e.Err)
			continue
		}
		if e.RerankErr != "" {
			fmt.Printf("rerank failed (original order kept): %s\n", e.RerankErr)
		}
		if e.Synthesis != "" {
			fmt.Printf("%s\n", e.Synthesis)
		} else if e.SynthesisErr != "" {
			fmt.Printf("synthesis failed: %s\n", e.SynthesisErr)
		}
		if e.Usage != nil {
			fmt.Printf("usage: %d in / %d out (%s)\n", e.Usage.InputTokens, e.Usage.OutputTokens, e.Usage.Model)
		}
		fmt.Println()
	}
}

func deleteDocument(ctx context.Context, ix *indexer.Indexer, documentID string) {
	removed, err := ix.DeleteDocument(ctx, documentID)
	if err != nil {
		log.Fatal().Err(err).Str("document_id", documentID).Msg("Error deleting document")
	}
	fmt.Printf("Removed %d chunks\n", removed)
}

func listDocuments(ctx context.Context, ix *indexer.Indexer) {
	docs, err := ix.ListDocuments(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Error listing documents")
	}
	helper.PrettyPrint(docs)
}
