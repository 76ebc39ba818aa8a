package docker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/jmw-nz/hoard/pkg/broker"
	"github.com/jmw-nz/hoard/pkg/logger"
)

var dockerLogger = logger.Get("Docker")

// The docker package provides utilities for creating, fetching and spawning
// docker images/containers locally. This is used to spawn supporting services
// such as the PostgreSQL database when the operator has no external one.

const DockerNetwork = "hoard_network"

type DockerManager interface {
	SpawnContainer(DockerContainer) error
	Shutdown(timeout time.Duration)
	CloseContainer(name string, timeout time.Duration)
	WaitForContainer(container DockerContainer, statuses ...ContainerStatus) (ContainerStatus, error)
}

type dockerContainerStatus struct {
	containerLabel string
	status         ContainerStatus
}

type dockerManager struct {
	containers map[string]DockerContainer
	cli        *client.Client
	ctx        context.Context
	ctxCancel  context.CancelFunc
	wg         *sync.WaitGroup
	broker     *broker.Broker[*dockerContainerStatus]
}

func NewDockerManager() (DockerManager, error) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		ctxCancel()
		return nil, fmt.Errorf("failed to construct docker client: %w", err)
	}

	if _, err := c.NetworkCreate(ctx, DockerNetwork, types.NetworkCreate{CheckDuplicate: true, Driver: "bridge"}); err != nil {
		dockerLogger.Warnf("Failed to create docker network (%s), containers may be unreachable: %s\n", DockerNetwork, err.Error())
	}

	statusBroker := broker.NewBroker[*dockerContainerStatus]()
	go statusBroker.Start()
	return &dockerManager{
		containers: make(map[string]DockerContainer),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		cli:        c,
		wg:         &sync.WaitGroup{},
		broker:     statusBroker,
	}, nil
}

func (docker *dockerManager) SpawnContainer(container DockerContainer) error {
	if _, ok := docker.containers[container.Label()]; ok {
		return fmt.Errorf("cannot spawn container %s as label is already in use", container)
	}
	docker.containers[container.Label()] = container

	docker.wg.Add(1)
	if err := container.Start(docker.ctx, docker.cli); err != nil {
		container.Close(docker.ctx, docker.cli, time.Second*10)
		docker.wg.Done()
		return err
	}

	if err := docker.cli.NetworkConnect(docker.ctx, DockerNetwork, container.ID(), nil); err != nil {
		dockerLogger.Errorf("Failed to connect container %s to network: %s\n", container, err.Error())
	}

	go docker.monitorContainer(container, docker.wg)

	dockerLogger.Infof("Waiting for container %s to come UP\n", container)
	if _, err := docker.WaitForContainer(container, UP); err != nil {
		dockerLogger.Errorf("Container %s failed to come online: %v\n", container, err.Error())
		return err
	}

	dockerLogger.Emit(logger.SUCCESS, "Container %s is UP!\n", container)
	return nil
}

func (docker *dockerManager) Shutdown(timeout time.Duration) {
	for _, c := range docker.containers {
		docker.closeContainer(c, timeout)
	}

	docker.wg.Wait()
	docker.cli.NetworkRemove(docker.ctx, DockerNetwork)
	docker.broker.Stop()
	docker.ctxCancel()
}

func (docker *dockerManager) CloseContainer(name string, timeout time.Duration) {
	container, ok := docker.containers[name]
	if !ok {
		return
	}

	docker.closeContainer(container, timeout)
}

// WaitForContainer blocks until the container provided reaches one of the
// given statuses. A DEAD container will never change status again, so waiting
// on one returns an error immediately.
func (docker *dockerManager) WaitForContainer(container DockerContainer, statuses ...ContainerStatus) (ContainerStatus, error) {
	ch := docker.broker.Subscribe()
	defer docker.broker.Unsubscribe(ch)

	if container.Status() == DEAD {
		return DEAD, fmt.Errorf("cannot wait on DEAD container %s", container)
	}

	for _, s := range statuses {
		if container.Status() == s {
			return s, nil
		}
	}

	for update := range ch {
		if update.containerLabel == container.Label() {
			for _, stat := range statuses {
				if stat == update.status {
					return stat, nil
				}
			}
		}
	}

	return DEAD, fmt.Errorf("wait on container %s aborted as container has closed", container)
}

func (docker *dockerManager) closeContainer(cont DockerContainer, timeout time.Duration) {
	dockerLogger.Emit(logger.STOP, "Closing container %s...\n", cont)
	cont.Close(docker.ctx, docker.cli, timeout)

	docker.WaitForContainer(cont, DEAD)
}

func (docker *dockerManager) monitorContainer(container DockerContainer, wg *sync.WaitGroup) {
	defer func() {
		dockerLogger.Infof("Container %s - status management detached\n", container)
		wg.Done()
	}()

	for {
		select {
		case stat, ok := <-container.StatusChannel():
			if !ok {
				return
			}
			dockerLogger.Infof("Container %s - status change: %s\n", container, stat)

			docker.broker.Publish(&dockerContainerStatus{containerLabel: container.Label(), status: stat})
		case msg, ok := <-container.MessageChannel():
			if !ok {
				return
			}
			dockerLogger.Verbosef("%s: %s\n", container, msg)
		}
	}
}
