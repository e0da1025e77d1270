// Copyright 2024 The epic_fhir_tools Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// epic_fhir_etl extracts clinical resources from an Epic FHIR R4 API,
// promotes them through the Bronze/Silver/Gold quality tiers and writes the
// results to NDJSON files and/or a GCP FHIR store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/medallion/epic_fhir_tools/epicfhir"
	"github.com/medallion/epic_fhir_tools/fetcher"
	"github.com/medallion/epic_fhir_tools/fhir/processing"
	"github.com/medallion/epic_fhir_tools/fhir/tiers"
	"github.com/medallion/epic_fhir_tools/fhirstore"
	"github.com/medallion/epic_fhir_tools/gcs"
	log "github.com/medallion/epic_fhir_tools/internal/logger"
	"github.com/medallion/epic_fhir_tools/internal/metrics"
)

var (
	configFile = flag.String("config_file", "", "Optional YAML configuration file. Flags set explicitly on the command line take precedence over values from this file.")

	fhirServerBaseURL = flag.String("fhir_server_base_url", "", "The Epic FHIR R4 server base URL to communicate with. For example, https://fhir.epic.example.com/api/FHIR/R4 (required)")
	tokenURL          = flag.String("token_url", "", "The OAuth2 token URL used for SMART Backend Services authentication. (required)")
	clientID          = flag.String("client_id", "", "The backend OAuth2 client ID registered with the Epic server. (required)")
	privateKeyFile    = flag.String("private_key_file", "", "Path to the PEM-encoded RSA private key used to sign client assertions. (required)")
	authScopes        = flag.String("auth_scopes", "", "A comma separated list of auth scopes that should be requested when getting an auth token.")

	resourceTypes  = flag.String("resource_types", "Patient,Observation,Encounter", "A comma separated list of FHIR resource types to extract.")
	pageSize       = flag.Int("page_size", 100, "The _count page size to request from the FHIR server.")
	targetTier     = flag.String("target_tier", "gold", "The quality tier to promote extracted resources to. One of silver or gold. If empty, resources are written as-is (bronze).")
	validationMode = flag.String("validation_mode", "moderate", "How aggressively the tier transformer documents its repairs on the resource. One of strict, moderate or lenient.")
	debug          = flag.Bool("debug", false, "If true, every tier repair is logged.")

	outputDir = flag.String("output_dir", "", "Data output directory. If unset, no file output will be written. This can also be a GCS path in the form of gs://bucket/folder_path. At least one bucket and folder must be specified. Do not add a file prefix, only specify the folder path.")

	enableFHIRStore           = flag.Bool("enable_fhir_store", false, "If true, this enables write to GCP FHIR store. If true, all other fhir_store_* flags must be set.")
	maxFHIRStoreUploadWorkers = flag.Int("max_fhir_store_upload_workers", 10, "The max number of concurrent FHIR store upload workers.")
	fhirStoreGCPProject       = flag.String("fhir_store_gcp_project", "", "The GCP project for the FHIR store to upload to.")
	fhirStoreGCPLocation      = flag.String("fhir_store_gcp_location", "", "The GCP location of the FHIR Store.")
	fhirStoreGCPDatasetID     = flag.String("fhir_store_gcp_dataset_id", "", "The dataset ID for the FHIR Store.")
	fhirStoreID               = flag.String("fhir_store_id", "", "The FHIR Store ID.")

	since     = flag.String("since", "", "The optional timestamp after which data should be fetched for. If not specified, fetches all available data. This should be a FHIR instant in the form of YYYY-MM-DDThh:mm:ss.sss+zz:zz.")
	sinceFile = flag.String("since_file", "", "Optional. If specified, the program will read the latest cursor timestamp in this file to use when fetching data from the FHIR API. DO NOT run simultaneous extractions with the same since file. Once the extraction is completed successfully, the start time of the run is written to the end of the file, to be used in the subsequent run (to only fetch data updated since the last successful run). The first time this is run with this flag set, it will fetch all data. If the file is of the form `gs://<GCS Bucket Name>/<Since File Name>` it will attempt to write the since file to the GCS bucket and file specified.")

	gcpMonitoringProject = flag.String("gcp_monitoring_project", "", "Optional GCP project to export logs and metrics to. If unset, logs go to stdout/stderr and metric results are printed at the end of the run.")
)

var (
	errInvalidSince      = errors.New("invalid since timestamp")
	errInvalidTargetTier = errors.New("target_tier must be one of silver or gold")
)

func main() {
	flag.Parse()
	cfg, err := buildMainWrapperConfig()
	if err != nil {
		log.Fatal(err)
	}
	if err := mainWrapper(cfg); err != nil {
		log.Fatal(err)
	}
}

// mainWrapper allows for easier testing of the main function.
func mainWrapper(cfg mainWrapperConfig) error {
	ctx := context.Background()

	if cfg.fhirServerBaseURL == "" || cfg.tokenURL == "" || cfg.clientID == "" || cfg.privateKeyFile == "" {
		return errors.New("fhir_server_base_url, token_url, client_id and private_key_file must all be non-empty")
	}

	if cfg.enableFHIRStore && (cfg.fhirStoreGCPProject == "" ||
		cfg.fhirStoreGCPLocation == "" ||
		cfg.fhirStoreGCPDatasetID == "" ||
		cfg.fhirStoreID == "") {
		return errors.New("if enable_fhir_store is true, all other FHIR store related flags must be set")
	}

	if cfg.outputDir == "" && !cfg.enableFHIRStore {
		log.Warning("output_dir is not set and neither is enable_fhir_store: the extraction will not produce any output.")
	}

	if cfg.gcpMonitoringProject != "" {
		if err := log.InitGCP(ctx, cfg.gcpMonitoringProject); err != nil {
			return fmt.Errorf("error initializing GCP logging: %v", err)
		}
		defer log.Close()
		if err := metrics.InitAndExportGCP(cfg.gcpMonitoringProject); err != nil {
			return fmt.Errorf("error initializing GCP metrics: %v", err)
		}
		defer metrics.CloseAll()
	}

	cl, err := getEpicClient(cfg)
	if err != nil {
		return fmt.Errorf("error making Epic FHIR client: %v", err)
	}
	defer func() {
		if err := cl.Close(); err != nil {
			log.Errorf("error closing the Epic FHIR client: %v", err)
		}
	}()

	cursorStore, err := getCursorStore(ctx, cfg)
	if err != nil {
		return err
	}

	processors, err := getProcessors(cfg)
	if err != nil {
		return err
	}

	sinks, err := getSinks(ctx, cfg)
	if err != nil {
		return err
	}

	pipeline, err := processing.NewPipeline(processors, sinks)
	if err != nil {
		return fmt.Errorf("error making output pipeline: %v", err)
	}

	f := &fetcher.Fetcher{
		Client:        cl,
		Pipeline:      pipeline,
		CursorStore:   cursorStore,
		ResourceTypes: cfg.resourceTypes,
	}
	if err := f.Run(ctx); err != nil {
		return err
	}

	if cfg.gcpMonitoringProject == "" {
		logMetricResults()
	}
	return nil
}

func getEpicClient(cfg mainWrapperConfig) (*epicfhir.Client, error) {
	pem, err := os.ReadFile(cfg.privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not read private key file %s: %w", cfg.privateKeyFile, err)
	}
	authenticator, err := epicfhir.NewJWTAssertionAuthenticator(cfg.clientID, cfg.tokenURL, pem, &epicfhir.JWTAssertionOptions{Scopes: cfg.authScopes})
	if err != nil {
		return nil, err
	}
	return epicfhir.NewClient(cfg.fhirServerBaseURL, authenticator, &epicfhir.ClientOptions{PageSize: cfg.pageSize})
}

func getCursorStore(ctx context.Context, cfg mainWrapperConfig) (epicfhir.CursorStore, error) {
	if cfg.since != "" && cfg.sinceFile != "" {
		return nil, errors.New("only one of since or since_file flags may be set (cannot set both)")
	}

	if cfg.since != "" {
		store, err := epicfhir.NewInMemoryCursorStore(cfg.since)
		if err != nil {
			// We match the text of errInvalidSince in tests; fmt.Errorf does not
			// allow using multiple %w verbs.
			return nil, fmt.Errorf("%v: %w", errInvalidSince, err)
		}
		return store, nil
	}

	if strings.HasPrefix(cfg.sinceFile, "gs://") {
		return epicfhir.NewGCSCursorStore(ctx, cfg.gcsEndpoint, cfg.sinceFile)
	}

	if cfg.sinceFile != "" {
		return epicfhir.NewLocalFileCursorStore(cfg.sinceFile), nil
	}

	return epicfhir.NewInMemoryCursorStore("")
}

func getProcessors(cfg mainWrapperConfig) ([]processing.Processor, error) {
	switch cfg.targetTier {
	case "":
		return nil, nil
	case "silver", "gold":
	default:
		return nil, errInvalidTargetTier
	}
	target := tiers.Silver
	if cfg.targetTier == "gold" {
		target = tiers.Gold
	}
	tierProcessor, err := processing.NewTierProcessor(target, tiers.ValidationMode(cfg.validationMode), cfg.debug)
	if err != nil {
		return nil, fmt.Errorf("error making tier processor: %v", err)
	}
	return []processing.Processor{tierProcessor}, nil
}

func getSinks(ctx context.Context, cfg mainWrapperConfig) ([]processing.Sink, error) {
	var sinks []processing.Sink
	if cfg.outputDir != "" {
		if strings.HasPrefix(cfg.outputDir, "gs://") {
			bucket, relativePath, err := gcs.PathComponents(cfg.outputDir)
			if err != nil {
				return nil, err
			}
			gcsSink, err := processing.NewGCSNDJSONSink(ctx, cfg.gcsEndpoint, bucket, relativePath)
			if err != nil {
				return nil, fmt.Errorf("error making GCS output sink: %v", err)
			}
			sinks = append(sinks, gcsSink)
		} else {
			ndjsonSink, err := processing.NewNDJSONSink(ctx, cfg.outputDir)
			if err != nil {
				return nil, fmt.Errorf("error making ndjson sink: %v", err)
			}
			sinks = append(sinks, ndjsonSink)
		}
	}

	if cfg.enableFHIRStore {
		log.Infof("Data will also be uploaded to FHIR store based on provided parameters.")
		fhirStoreSink, err := processing.NewFHIRStoreSink(ctx, &fhirstore.Config{
			CloudHealthcareEndpoint: cfg.fhirStoreEndpoint,
			ProjectID:               cfg.fhirStoreGCPProject,
			Location:                cfg.fhirStoreGCPLocation,
			DatasetID:               cfg.fhirStoreGCPDatasetID,
			FHIRStoreID:             cfg.fhirStoreID,
		}, cfg.maxFHIRStoreUploadWorkers)
		if err != nil {
			return nil, fmt.Errorf("error making FHIR Store sink: %v", err)
		}
		sinks = append(sinks, fhirStoreSink)
	}
	return sinks, nil
}

func logMetricResults() {
	counterResults, latencyResults, err := metrics.GetResults()
	if err != nil {
		log.Errorf("error getting metric results: %v", err)
		return
	}
	for _, result := range counterResults {
		log.Info(result.String())
	}
	for _, result := range latencyResults {
		log.Info(result.String())
	}
}

// yamlConfig mirrors the program flags for the optional YAML config file.
type yamlConfig struct {
	FHIRServerBaseURL string   `yaml:"fhir_server_base_url"`
	TokenURL          string   `yaml:"token_url"`
	ClientID          string   `yaml:"client_id"`
	PrivateKeyFile    string   `yaml:"private_key_file"`
	AuthScopes        []string `yaml:"auth_scopes"`

	ResourceTypes  []string `yaml:"resource_types"`
	PageSize       int      `yaml:"page_size"`
	TargetTier     string   `yaml:"target_tier"`
	ValidationMode string   `yaml:"validation_mode"`
	Debug          bool     `yaml:"debug"`

	OutputDir string `yaml:"output_dir"`

	EnableFHIRStore           bool   `yaml:"enable_fhir_store"`
	MaxFHIRStoreUploadWorkers int    `yaml:"max_fhir_store_upload_workers"`
	FHIRStoreGCPProject       string `yaml:"fhir_store_gcp_project"`
	FHIRStoreGCPLocation      string `yaml:"fhir_store_gcp_location"`
	FHIRStoreGCPDatasetID     string `yaml:"fhir_store_gcp_dataset_id"`
	FHIRStoreID               string `yaml:"fhir_store_id"`

	Since     string `yaml:"since"`
	SinceFile string `yaml:"since_file"`

	GCPMonitoringProject string `yaml:"gcp_monitoring_project"`
}

// mainWrapperConfig holds non-flag (for now) config variables for the
// mainWrapper function. This is largely to assist in better testing without
// having to change global variables.
type mainWrapperConfig struct {
	fhirStoreEndpoint string
	gcsEndpoint       string

	// Fields that originate from flags and/or the YAML config file:
	fhirServerBaseURL string
	tokenURL          string
	clientID          string
	privateKeyFile    string
	authScopes        []string

	resourceTypes  []string
	pageSize       int
	targetTier     string
	validationMode string
	debug          bool

	outputDir string

	enableFHIRStore           bool
	maxFHIRStoreUploadWorkers int
	fhirStoreGCPProject       string
	fhirStoreGCPLocation      string
	fhirStoreGCPDatasetID     string
	fhirStoreID               string

	since     string
	sinceFile string

	gcpMonitoringProject string
}

func buildMainWrapperConfig() (mainWrapperConfig, error) {
	cfg := mainWrapperConfig{
		fhirStoreEndpoint: fhirstore.DefaultHealthcareEndpoint,
		gcsEndpoint:       gcs.DefaultCloudStorageEndpoint,

		fhirServerBaseURL: *fhirServerBaseURL,
		tokenURL:          *tokenURL,
		clientID:          *clientID,
		privateKeyFile:    *privateKeyFile,
		authScopes:        splitCommaList(*authScopes),

		resourceTypes:  splitCommaList(*resourceTypes),
		pageSize:       *pageSize,
		targetTier:     *targetTier,
		validationMode: *validationMode,
		debug:          *debug,

		outputDir: *outputDir,

		enableFHIRStore:           *enableFHIRStore,
		maxFHIRStoreUploadWorkers: *maxFHIRStoreUploadWorkers,
		fhirStoreGCPProject:       *fhirStoreGCPProject,
		fhirStoreGCPLocation:      *fhirStoreGCPLocation,
		fhirStoreGCPDatasetID:     *fhirStoreGCPDatasetID,
		fhirStoreID:               *fhirStoreID,

		since:     *since,
		sinceFile: *sinceFile,

		gcpMonitoringProject: *gcpMonitoringProject,
	}
	if *configFile == "" {
		return cfg, nil
	}
	if err := applyYAMLConfig(&cfg, *configFile); err != nil {
		return mainWrapperConfig{}, err
	}
	return cfg, nil
}

// applyYAMLConfig overlays values from the YAML config file at path onto cfg.
// Flags set explicitly on the command line are not overridden.
func applyYAMLConfig(cfg *mainWrapperConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file %s: %w", path, err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return fmt.Errorf("could not parse config file %s: %w", path, err)
	}

	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	if !setFlags["fhir_server_base_url"] && yc.FHIRServerBaseURL != "" {
		cfg.fhirServerBaseURL = yc.FHIRServerBaseURL
	}
	if !setFlags["token_url"] && yc.TokenURL != "" {
		cfg.tokenURL = yc.TokenURL
	}
	if !setFlags["client_id"] && yc.ClientID != "" {
		cfg.clientID = yc.ClientID
	}
	if !setFlags["private_key_file"] && yc.PrivateKeyFile != "" {
		cfg.privateKeyFile = yc.PrivateKeyFile
	}
	if !setFlags["auth_scopes"] && len(yc.AuthScopes) > 0 {
		cfg.authScopes = yc.AuthScopes
	}
	if !setFlags["resource_types"] && len(yc.ResourceTypes) > 0 {
		cfg.resourceTypes = yc.ResourceTypes
	}
	if !setFlags["page_size"] && yc.PageSize != 0 {
		cfg.pageSize = yc.PageSize
	}
	if !setFlags["target_tier"] && yc.TargetTier != "" {
		cfg.targetTier = yc.TargetTier
	}
	if !setFlags["validation_mode"] && yc.ValidationMode != "" {
		cfg.validationMode = yc.ValidationMode
	}
	if !setFlags["debug"] && yc.Debug {
		cfg.debug = true
	}
	if !setFlags["output_dir"] && yc.OutputDir != "" {
		cfg.outputDir = yc.OutputDir
	}
	if !setFlags["enable_fhir_store"] && yc.EnableFHIRStore {
		cfg.enableFHIRStore = true
	}
	if !setFlags["max_fhir_store_upload_workers"] && yc.MaxFHIRStoreUploadWorkers != 0 {
		cfg.maxFHIRStoreUploadWorkers = yc.MaxFHIRStoreUploadWorkers
	}
	if !setFlags["fhir_store_gcp_project"] && yc.FHIRStoreGCPProject != "" {
		cfg.fhirStoreGCPProject = yc.FHIRStoreGCPProject
	}
	if !setFlags["fhir_store_gcp_location"] && yc.FHIRStoreGCPLocation != "" {
		cfg.fhirStoreGCPLocation = yc.FHIRStoreGCPLocation
	}
	if !setFlags["fhir_store_gcp_dataset_id"] && yc.FHIRStoreGCPDatasetID != "" {
		cfg.fhirStoreGCPDatasetID = yc.FHIRStoreGCPDatasetID
	}
	if !setFlags["fhir_store_id"] && yc.FHIRStoreID != "" {
		cfg.fhirStoreID = yc.FHIRStoreID
	}
	if !setFlags["since"] && yc.Since != "" {
		cfg.since = yc.Since
	}
	if !setFlags["since_file"] && yc.SinceFile != "" {
		cfg.sinceFile = yc.SinceFile
	}
	if !setFlags["gcp_monitoring_project"] && yc.GCPMonitoringProject != "" {
		cfg.gcpMonitoringProject = yc.GCPMonitoringProject
	}
	return nil
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
