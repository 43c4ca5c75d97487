// Package browser launches a containerized headless Chrome the playwright
// surface can attach to over CDP, for deployments that keep browsers out of
// the server process.
package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const chromeImage = "browserless/chrome:latest"

// Instance describes one running browser container.
type Instance struct {
	ContainerID string
	ConnectURL  string
	Port        string
}

// Launcher manages browser containers through the docker daemon.
type Launcher struct {
	client *client.Client
}

// NewLauncher connects to the docker daemon from the environment.
func NewLauncher() (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Launcher{client: cli}, nil
}

// EnsureImage pulls the Chrome image if it is not already present.
func (l *Launcher) EnsureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == chromeImage {
				return nil
			}
		}
	}

	reader, err := l.client.ImagePull(ctx, chromeImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Launch starts a Chrome container on an ephemeral host port and waits until
// its CDP endpoint answers.
func (l *Launcher) Launch(ctx context.Context, name string) (*Instance, error) {
	containerConfig := &container.Config{
		Image: chromeImage,
		Labels: map[string]string{
			"managed-by": "tabrelay",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
	}

	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, fmt.Sprintf("tabrelay-%s", name))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports["3000/tcp"]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("container exposed no CDP port")
	}
	port := bindings[0].HostPort

	if err := waitForBrowserReady(port); err != nil {
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	return &Instance{
		ContainerID: resp.ID,
		ConnectURL:  fmt.Sprintf("ws://localhost:%s", port),
		Port:        port,
	}, nil
}

// Stop stops and removes a browser container.
func (l *Launcher) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := l.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Close releases the docker client.
func (l *Launcher) Close() error {
	return l.client.Close()
}

// waitForBrowserReady polls the /json/version endpoint until Chrome answers.
func waitForBrowserReady(port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)
	maxRetries := 20

	for i := 0; i < maxRetries; i++ {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				// The websocket endpoint lags the HTTP one slightly.
				time.Sleep(500 * time.Millisecond)
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("browser did not become ready after %d retries", maxRetries)
}
