// Command registry runs the content-addressed OCI/Docker registry
// server: it loads a regconfig.Configuration document, wires the content
// graph, repository engine, token service, task runtime, signing adapter
// and synchronizer behind protocol.App, and serves the Distribution v2
// wire protocol.
package main

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	_ "expvar"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opencrate/registry/cache"
	"github.com/opencrate/registry/contentgraph"
	"github.com/opencrate/registry/internal/objectstore"
	_ "github.com/opencrate/registry/internal/objectstore/azure"
	_ "github.com/opencrate/registry/internal/objectstore/filesystem"
	_ "github.com/opencrate/registry/internal/objectstore/s3"
	"github.com/opencrate/registry/internal/taskrun"
	"github.com/opencrate/registry/metrics"
	"github.com/opencrate/registry/protocol"
	"github.com/opencrate/registry/regconfig"
	"github.com/opencrate/registry/repoengine"
	"github.com/opencrate/registry/signing"
	"github.com/opencrate/registry/syncer"
	"github.com/opencrate/registry/tokenauth"
)

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// resolveConfiguration loads a regconfig.Configuration from the path given
// as the subcommand's sole positional argument, or REGISTRY_CONFIGURATION_PATH.
func resolveConfiguration(args []string) (*regconfig.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("REGISTRY_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("REGISTRY_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := regconfig.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %v", configurationPath, err)
	}

	return config, nil
}

func configureLogging(config *regconfig.Configuration) {
	if config.Log.Level != "" {
		level, err := logrus.ParseLevel(config.Log.Level)
		if err != nil {
			logrus.Warnf("error parsing log level %q: %v, using info", config.Log.Level, err)
			level = logrus.InfoLevel
		}
		logrus.SetLevel(level)
	}

	switch config.Log.Formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{})
	default:
		logrus.Warnf("unsupported logging formatter %q, using text", config.Log.Formatter)
	}

	if len(config.Log.Fields) > 0 {
		fields := make(logrus.Fields, len(config.Log.Fields))
		for k, v := range config.Log.Fields {
			fields[k] = v
		}
		logrus.SetReportCaller(false)
		logrus.StandardLogger().WithFields(fields)
	}
}

// registryCore bundles the components shared by every subcommand: the
// storage-backed ContentGraph, the RepositoryEngine computed over it, and
// the namespace/repository registry. serve layers TaskRuntime, TokenService
// and the protocol handler on top; gc and migrate-version only need this.
type registryCore struct {
	graph  *contentgraph.Graph
	engine *repoengine.Engine
	store  *repoengine.Store
}

func buildCore(config *regconfig.Configuration) (*registryCore, error) {
	ctx := context.Background()

	driverName, parameters := config.Storage.Type()
	if driverName == "" {
		driverName, parameters = "filesystem", regconfig.Parameters{"rootdirectory": "/var/lib/registry"}
	}
	driver, err := objectstore.Create(ctx, driverName, parameters)
	if err != nil {
		return nil, fmt.Errorf("constructing storage driver %q: %w", driverName, err)
	}
	store := objectstore.New(driver)

	policy := contentgraph.MediaTypePolicy{
		AdditionalConfigToLayers: config.Validation.AdditionalOCIArtifactTypes,
		Relaxed:                  config.Validation.Mode == "relaxed",
	}
	graphOpts := []contentgraph.Option{contentgraph.WithMediaTypePolicy(policy)}
	if config.Validation.OCIPayloadMaxBytes > 0 {
		graphOpts = append(graphOpts, contentgraph.WithMaxPayloadBytes(config.Validation.OCIPayloadMaxBytes))
	}
	graph := contentgraph.New(store, graphOpts...)

	engine := repoengine.New(graph)
	regStore := repoengine.NewStore()

	return &registryCore{graph: graph, engine: engine, store: regStore}, nil
}

// buildApp wires every component behind a protocol.App.
func buildApp(config *regconfig.Configuration) (*protocol.App, error) {
	core, err := buildCore(config)
	if err != nil {
		return nil, err
	}

	workers := config.Tasks.Workers
	if workers <= 0 {
		workers = 4
	}
	runtime := taskrun.New(workers, config.Tasks.MaxParallelSigningTasks)

	signAdapter := signing.New(core.graph, runtime, config.Signing.Command)
	sync := syncer.New(core.graph, core.engine, core.store)

	perms := tokenauth.NewInMemoryPermissions()
	tokens, err := buildTokenService(config, perms)
	if err != nil {
		return nil, err
	}

	credentials := tokenauth.NewCredentialStore()
	for user, hash := range config.Auth.BasicUsers {
		credentials.SetHash(user, []byte(hash))
	}

	app := &protocol.App{
		InstanceID:          fmt.Sprintf("%d", time.Now().UnixNano()),
		Graph:               core.graph,
		Engine:              core.engine,
		Store:               core.store,
		Tokens:              tokens,
		Runtime:             runtime,
		Signing:             signAdapter,
		Sync:                sync,
		TokenAuthDisabled:   config.Auth.Disabled,
		Credentials:         credentials,
		RealmURL:            config.Auth.Realm,
		ServiceName:         config.Auth.Service,
		FlatpakIndexEnabled: config.Flatpak.Enabled,
	}

	if config.Cache.Enabled {
		ttl := time.Duration(config.Cache.TTLSeconds) * time.Second
		app.Cache = cache.NewRedis(config.Cache.Addr, ttl)
	}

	return app, nil
}

// buildTokenService loads the token service's asymmetric signing key
// pair from PEM files, or leaves it unset when token auth is globally
// disabled.
func buildTokenService(config *regconfig.Configuration, perms tokenauth.PermissionSource) (*tokenauth.Service, error) {
	if config.Auth.Disabled {
		return &tokenauth.Service{Permissions: perms}, nil
	}

	algorithm := tokenauth.Algorithm(config.Auth.Algorithm)
	if algorithm == "" {
		algorithm = tokenauth.AlgorithmES256
	}

	priv, pub, err := loadKeyPair(config.Auth.PrivateKey, config.Auth.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("loading token signing keys: %w", err)
	}

	opts := []tokenauth.Option{}
	if config.Auth.ExpirationSeconds > 0 {
		opts = append(opts, tokenauth.WithTTL(time.Duration(config.Auth.ExpirationSeconds)*time.Second))
	}

	return tokenauth.New(config.Auth.Realm, config.Auth.Service, algorithm, priv, pub, perms, opts...)
}

func loadKeyPair(privatePath, publicPath string) (crypto.PrivateKey, crypto.PublicKey, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, nil, err
	}
	privBlock, _ := pem.Decode(privPEM)
	if privBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block found in %s", privatePath)
	}

	var priv crypto.PrivateKey
	if k, err := x509.ParseECPrivateKey(privBlock.Bytes); err == nil {
		priv = k
	} else if k, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes); err == nil {
		priv = k
	} else if k, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes); err == nil {
		priv = k
	} else {
		return nil, nil, fmt.Errorf("unsupported private key format in %s", privatePath)
	}

	if publicPath == "" {
		switch k := priv.(type) {
		case *ecdsa.PrivateKey:
			return priv, &k.PublicKey, nil
		case *rsa.PrivateKey:
			return priv, &k.PublicKey, nil
		default:
			return nil, nil, fmt.Errorf("public_key_path unspecified and private key type has no derivable public key")
		}
	}

	pubPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, nil, err
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block found in %s", publicPath)
	}
	pub, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing public key in %s: %w", publicPath, err)
	}
	return priv, pub, nil
}

func serve(config *regconfig.Configuration, handler http.Handler) {
	addr := config.HTTP.Addr
	if addr == "" {
		addr = ":5000"
	}

	if config.HTTP.TLS.Certificate == "" {
		logrus.Infof("listening on %v", addr)
		if err := http.ListenAndServe(addr, handler); err != nil {
			logrus.Fatal(err)
		}
		return
	}

	tlsConf := &tls.Config{ClientAuth: tls.NoClientCert}
	if len(config.HTTP.TLS.ClientCAs) != 0 {
		pool, err := createCertPool(config.HTTP.TLS.ClientCAs, os.ReadFile)
		if err != nil {
			logrus.Fatal(err)
		}
		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConf.ClientCAs = pool
	}

	logrus.Infof("listening on %v, tls", addr)
	server := &http.Server{
		Addr:      addr,
		Handler:   handler,
		TLSConfig: tlsConf,
	}
	if err := server.ListenAndServeTLS(config.HTTP.TLS.Certificate, config.HTTP.TLS.Key); err != nil {
		logrus.Fatal(err)
	}
}

// createCertPool builds a client-CA pool from PEM files, read through
// readFile so tests can substitute a fake reader.
func createCertPool(paths []string, readFile func(string) ([]byte, error)) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, path := range paths {
		caPEM, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("could not add CA %q to pool", path)
		}
	}
	return pool, nil
}

// debugServer starts the debug listener with pprof, expvar and the
// Prometheus exposition endpoint. addr must never be exposed externally.
func debugServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/debug/", http.DefaultServeMux)
	logrus.Infof("debug server listening %v", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logrus.Fatalf("error listening on debug interface: %v", err)
	}
}
