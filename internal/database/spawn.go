package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/jmw-nz/hoard/pkg/docker"
	"github.com/mitchellh/go-homedir"
)

// DatabaseConfig is a subset of the configuration focusing solely
// on database connection items.
type DatabaseConfig struct {
	User     string `yaml:"username" env:"DB_USERNAME" env-required:"true"`
	Password string `yaml:"password" env:"DB_PASSWORD" env-required:"true"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"HOARD_DB"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
}

// InitialiseDockerDatabase spawns a PostgreSQL container via the manager
// provided, persisting it's data directory under the users home dir so the
// item table survives container recreation.
func InitialiseDockerDatabase(dockerManager docker.DockerManager, config DatabaseConfig) (docker.DockerContainer, error) {
	homeDir, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("cannot initialise docker db volume mount: %w", err)
	}

	dbDataPath := filepath.Join(homeDir, ".hoard", "db")
	if err := os.MkdirAll(dbDataPath, 0o755); err != nil {
		return nil, err
	}

	containerConfig := &container.Config{
		Image: "postgres:14.1-alpine",
		Env: []string{
			fmt.Sprintf("POSTGRES_PASSWORD=%s", config.Password),
			fmt.Sprintf("POSTGRES_USER=%s", config.User),
			fmt.Sprintf("POSTGRES_DB=%s", config.Name),
		},
		ExposedPorts: nat.PortSet{
			"5432": struct{}{},
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(config.Port): []nat.PortBinding{{
				HostIP:   config.Host,
				HostPort: config.Port,
			}},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: dbDataPath,
				Target: "/var/lib/postgresql/data",
			},
		},
	}

	dbContainer := docker.NewDockerContainer("hoard-postgres", containerConfig.Image, containerConfig, hostConfig)
	if err := dockerManager.SpawnContainer(dbContainer); err != nil {
		return nil, fmt.Errorf("failed to spawn postgres container: %w", err)
	}

	return dbContainer, nil
}
