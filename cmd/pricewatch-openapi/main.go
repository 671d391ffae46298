// Package main generates the OpenAPI specification for the Pricewatch API.
// It registers the real route definitions against a throwaway router, so the
// emitted spec always matches what pricewatch-api serves.
//
// Usage:
//
//	go run ./cmd/pricewatch-openapi > openapi.json
//	go run ./cmd/pricewatch-openapi -yaml > openapi.yaml
//	go run ./cmd/pricewatch-openapi -output openapi.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/pricewatch/pricewatch/internal/http/handlers"
	"github.com/pricewatch/pricewatch/internal/http/routes"
	"github.com/pricewatch/pricewatch/internal/version"
)

func main() {
	outputFile := flag.String("output", "", "Output file path (default: stdout)")
	outputYAML := flag.Bool("yaml", false, "Output as YAML instead of JSON")
	baseURL := flag.String("base-url", "http://localhost:8080", "Base URL for the API server")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().Short())
		return
	}

	// Handlers are registered but never invoked, so they get no services.
	router := chi.NewRouter()
	api := humachi.New(router, routes.NewHumaConfig(*baseURL))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	routes.Register(api, handlers.New(nil, nil, logger))

	spec := api.OpenAPI()

	var data []byte
	var err error
	if *outputYAML {
		data, err = yaml.Marshal(spec)
	} else {
		data, err = json.MarshalIndent(spec, "", "  ")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error marshaling OpenAPI spec: %v\n", err)
		os.Exit(1)
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "error writing to file: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "OpenAPI spec written to %s\n", *outputFile)
	} else {
		fmt.Print(string(data))
	}
}
