package cli

import (
	"context"
	"os"

	"github.com/juju/errors"

	"instance-transfer/src/cloudapi"
	"instance-transfer/src/config"
	"instance-transfer/src/migrate"
	"instance-transfer/src/stages"
)

// connect returns the client for the configured backend.
func connect(ctx context.Context, cfg config.Config, o *options) (cloudapi.Client, error) {
	if o.client != nil {
		return o.client, nil
	}
	logger.Debugf("connecting to %s backend", cfg.Backend)
	switch cfg.Backend {
	case config.BackendOpenStack:
		c, err := cloudapi.ConnectOpenStack(ctx, cloudapi.OpenStackCredentials{
			AuthURL:           cfg.Auth.AuthURL,
			Username:          cfg.Auth.Username,
			Password:          cfg.Auth.Password,
			UserDomainName:    cfg.Auth.UserDomainName,
			ProjectID:         cfg.Auth.ProjectID,
			ProjectName:       cfg.Auth.ProjectName,
			ProjectDomainName: cfg.Auth.ProjectDomainName,
			Region:            cfg.Auth.Region,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		return c, nil
	case config.BackendIncus:
		c, err := cloudapi.ConnectIncus(cfg.Incus.Socket)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return c, nil
	case config.BackendFake:
		f := cloudapi.NewFake()
		f.RootDevice = cfg.RootDevice
		if cfg.Fake.Seed == "" {
			return f, nil
		}
		seed, err := os.Open(cfg.Fake.Seed)
		if err != nil {
			return nil, errors.Annotate(err, "opening fake seed")
		}
		defer seed.Close()
		if err := f.Seed(seed); err != nil {
			return nil, errors.Trace(err)
		}
		return f, nil
	}
	return nil, errors.NotSupportedf("backend %q", cfg.Backend)
}

func migratorConfig(cfg config.Config, client cloudapi.Client, o *options) migrate.Config {
	d := cfg.Deadlines
	return migrate.Config{
		Client:     client,
		Clock:      o.clock,
		RootDevice: cfg.RootDevice,
		Interval:   cfg.PollInterval,
		Deadlines: stages.Deadlines{
			Snapshot: d.Snapshot,
			Volume:   d.Volume,
			Instance: d.Instance,
			Image:    d.Image,
			Delete:   d.Delete,
			Attach:   d.Attach,
		},
		Parallel:      cfg.ParallelStatusChecks,
		WaitForAttach: cfg.WaitForAttach,
	}
}
