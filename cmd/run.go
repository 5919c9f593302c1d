package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/kmsway/internal/backend"
	"github.com/bnema/kmsway/internal/config"
	"github.com/bnema/kmsway/internal/hotplug"
	"github.com/bnema/kmsway/internal/ipc"
	"github.com/bnema/kmsway/internal/kms"
	"github.com/bnema/kmsway/internal/logger"
	"github.com/bnema/kmsway/internal/protocol"
	"github.com/bnema/kmsway/internal/reactor"
	"github.com/bnema/kmsway/internal/render"
	"github.com/bnema/kmsway/internal/session"
	"github.com/bnema/kmsway/internal/softgpu"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the output backend",
	Long: `Open every GPU of the seat, light up the connected outputs and keep them
repainting until interrupted. Hotplugged GPUs and monitors are picked up while running.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().String("seat", "", "Seat to take devices from")
	runCmd.Flags().String("primary-gpu", "", "Device path of the GPU to composite on")
	runCmd.Flags().Bool("disable-hardware-compositor", false, "Render every output through a plain swapchain")
	runCmd.Flags().String("socket", "", "Status socket path")

	_ = viper.BindPFlag("backend.seat", runCmd.Flags().Lookup("seat"))
	_ = viper.BindPFlag("backend.primary_gpu", runCmd.Flags().Lookup("primary-gpu"))
	_ = viper.BindPFlag("backend.disable_hardware_compositor", runCmd.Flags().Lookup("disable-hardware-compositor"))
	_ = viper.BindPFlag("ipc.socket_path", runCmd.Flags().Lookup("socket"))
}

// deviceHandler is the part of the backend driven by hotplug and status queries
type deviceHandler interface {
	AddDevice(node kms.Node, path string) error
	DeviceChanged(node kms.Node)
	DeviceRemoved(node kms.Node)
	Status() backend.Status
}

// daemon glues the hotplug monitor and the status socket to the backend. Every
// backend call it makes runs on the reactor.
type daemon struct {
	loop    backend.Loop
	backend deviceHandler
}

func (d *daemon) addDevice(path string, node kms.Node) {
	if err := d.backend.AddDevice(node, path); err != nil {
		logger.Errorf("Failed to add device %s: %v", path, err)
	}
}

// addInitial opens every GPU present at start
func (d *daemon) addInitial(paths []string, nodeFromPath func(string) (kms.Node, error)) {
	for _, path := range paths {
		node, err := nodeFromPath(path)
		if err != nil {
			logger.Warnf("Skipping %s: %v", path, err)
			continue
		}
		d.addDevice(path, node)
	}
}

func (d *daemon) handleHotplug(ev hotplug.Event) {
	logger.Debug("Hotplug event", "kind", ev.Kind, "node", ev.Node, "path", ev.Path)
	switch ev.Kind {
	case hotplug.DeviceAdded:
		d.addDevice(ev.Path, ev.Node)
	case hotplug.DeviceChanged:
		d.backend.DeviceChanged(ev.Node)
	case hotplug.DeviceRemoved:
		d.backend.DeviceRemoved(ev.Node)
	}
}

// Snapshot takes a backend status on the reactor goroutine
func (d *daemon) Snapshot(ctx context.Context) (ipc.Snapshot, error) {
	ch := make(chan backend.Status, 1)
	d.loop.Post(func() { ch <- d.backend.Status() })

	select {
	case st := <-ch:
		return ipc.SnapshotFromStatus(st), nil
	case <-ctx.Done():
		return ipc.Snapshot{}, fmt.Errorf("status query: %w", ctx.Err())
	}
}

// gpuSelector picks the render node composition happens on
type gpuSelector struct {
	enum         hotplug.Enumerator
	nodeFromPath func(string) (kms.Node, error)
	renderNode   func(kms.Node) (kms.Node, error)
}

func newGPUSelector(enum hotplug.Enumerator) *gpuSelector {
	return &gpuSelector{
		enum:         enum,
		nodeFromPath: kms.NodeFromPath,
		renderNode:   func(n kms.Node) (kms.Node, error) { return n.WithType(kms.NodeRender) },
	}
}

// Primary resolves the configured override, else the seat's boot GPU, else the
// first GPU of the seat, to its render node. A GPU without a render node renders
// on its KMS node.
func (s *gpuSelector) Primary(override, seat string) (kms.Node, string, error) {
	path := override
	if path == "" {
		p, err := s.enum.PrimaryGPU(seat)
		if err != nil {
			logger.Warnf("Failed to query primary GPU: %v", err)
		}
		path = p
	}
	if path == "" {
		all, err := s.enum.AllGPUs(seat)
		if err != nil {
			return kms.Node{}, "", fmt.Errorf("failed to enumerate GPUs: %w", err)
		}
		if len(all) == 0 {
			return kms.Node{}, "", errors.New("no GPU found on " + seat)
		}
		path = all[0]
	}

	node, err := s.nodeFromPath(path)
	if err != nil {
		return kms.Node{}, "", fmt.Errorf("primary GPU %s: %w", path, err)
	}
	rn, err := s.renderNode(node)
	if err != nil {
		logger.Debugf("No render node for %s, using %s: %v", path, node, err)
		return node, path, nil
	}
	return rn, path, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.NewDirect(cfg.Backend.Seat)
	defer func() {
		if err := sess.CloseAll(); err != nil {
			logger.Warnf("Failed to close session devices: %v", err)
		}
	}()

	monitor := hotplug.NewMonitor(cfg.Hotplug.PollInterval)
	primary, primaryPath, err := newGPUSelector(monitor).Primary(cfg.Backend.PrimaryGPU, sess.Seat())
	if err != nil {
		return err
	}
	logger.Infof("Using %s (%s) as primary GPU", primaryPath, primary.DevicePath())

	loop := reactor.New()
	b, err := backend.New(backend.Options{
		Session:                   sess,
		Open:                      kms.OpenCard,
		OpenAllocator:             softgpu.NewAllocator,
		GPUs:                      softgpu.NewManager(),
		Factory:                   softgpu.NewFactory(),
		Display:                   protocol.NewRegistry(),
		Loop:                      loop,
		PrimaryGPU:                primary,
		ClearColor:                render.Color(cfg.ClearColor()),
		DisableHardwareCompositor: cfg.Backend.DisableHardwareCompositor,
		Quirks:                    cfg.Quirks,
	})
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}

	d := &daemon{loop: loop, backend: b}

	paths, err := monitor.AllGPUs(sess.Seat())
	if err != nil {
		return fmt.Errorf("failed to enumerate GPUs: %w", err)
	}
	monitor.Seed(sess.Seat(), paths)
	loop.Post(func() { d.addInitial(paths, kms.NodeFromPath) })
	loop.InsertSource(reactor.Channel(monitor.Events(), d.handleHotplug))

	server, err := ipc.NewSocketServer(cfg.IPC.SocketPath, d)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return server.Serve(gctx) })

	err = g.Wait()

	// The reactor has stopped, nothing else touches the backend anymore
	b.Shutdown()
	logger.Info("kmsway stopped")
	return err
}
