package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Load.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Config is the immutable service configuration, loaded once at startup and
// passed explicitly to constructors.
type Config struct {
	APIKey          string
	BaseURL         string
	DefaultModel    string
	AvailableModels []string
	AssistantPrompt string
}

// IsValidModel reports whether name is in the configured available-models set.
func (c Config) IsValidModel(name string) bool {
	for _, m := range c.AvailableModels {
		if m == name {
			return true
		}
	}
	return false
}

// Load fetches all required parameters from SSM Parameter Store under the
// given prefix and validates completeness. Any missing or empty parameter is
// a startup failure.
func Load(ctx context.Context, api ssmAPI, paramPrefix string) (Config, error) {
	if api == nil {
		return Config{}, errors.New("config: ssm api must not be nil")
	}
	prefix := strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if prefix == "" {
		return Config{}, errors.New("config: parameter prefix must not be empty")
	}

	apiKey, err := getParameter(ctx, api, prefix+"/api-key")
	if err != nil {
		return Config{}, err
	}
	baseURL, err := getParameter(ctx, api, prefix+"/base-url")
	if err != nil {
		return Config{}, err
	}
	defaultModel, err := getParameter(ctx, api, prefix+"/default-model")
	if err != nil {
		return Config{}, err
	}
	rawModels, err := getParameter(ctx, api, prefix+"/available-models")
	if err != nil {
		return Config{}, err
	}
	prompt, err := getParameter(ctx, api, prefix+"/assistant-prompt")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		APIKey:          apiKey,
		BaseURL:         baseURL,
		DefaultModel:    defaultModel,
		AvailableModels: splitModels(rawModels),
		AssistantPrompt: prompt,
	}
	if len(cfg.AvailableModels) == 0 {
		return Config{}, fmt.Errorf("config: parameter %q lists no models", prefix+"/available-models")
	}
	if !cfg.IsValidModel(cfg.DefaultModel) {
		return Config{}, fmt.Errorf("config: default model %q is not in the available-models set", cfg.DefaultModel)
	}
	return cfg, nil
}

func getParameter(ctx context.Context, api ssmAPI, name string) (string, error) {
	withDecryption := true
	out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("config: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("config: parameter %q missing value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", fmt.Errorf("config: parameter %q is empty", name)
	}
	return v, nil
}

func splitModels(raw string) []string {
	parts := strings.Split(raw, ",")
	models := make([]string, 0, len(parts))
	for _, p := range parts {
		if m := strings.TrimSpace(p); m != "" {
			models = append(models, m)
		}
	}
	return models
}
