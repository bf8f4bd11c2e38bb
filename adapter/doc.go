// Package adapter holds the per-language build/run recipes.
//
// Each supported language is described by a flat LanguageAdapter record: a
// base image, the file name the source is staged under, an optional build
// command and a run command. The Registry is built once at startup from the
// built-in definitions, the languages section of the configuration and an
// optional directory with one YAML file per language. Any malformed
// definition aborts startup. After construction the Registry is read-only
// and safe for concurrent use without locking.
//
// Usage:
//
//	registry, err := adapter.NewRegistryFromConfig(cfg, logger)
//	java, err := registry.Resolve("java")
//	if errors.Is(err, adapter.ErrNotFound) {
//	    // unknown language
//	}
package adapter
