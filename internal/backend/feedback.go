package backend

import (
	"github.com/bnema/kmsway/internal/format"
	"github.com/bnema/kmsway/internal/kms"
)

// surfaceFeedback negotiates the dma-buf feedback of a surface rendered on renderNode
// and scanned out by scanoutDevice. Nil when either GPU cannot be queried.
func (b *Backend) surfaceFeedback(renderNode, scanoutDevice kms.Node, planes kms.Planes) *format.FeedbackPair {
	primary, err := b.opts.GPUs.SingleRenderer(b.opts.PrimaryGPU)
	if err != nil {
		b.log.Warn("No renderer on the primary gpu, skipping dmabuf feedback", "gpu", b.opts.PrimaryGPU, "err", err)
		return nil
	}
	rend, err := b.opts.GPUs.SingleRenderer(renderNode)
	if err != nil {
		b.log.Warn("No renderer on the render node, skipping dmabuf feedback", "gpu", renderNode, "err", err)
		return nil
	}

	pair := format.BuildFeedback(format.FeedbackInput{
		MainDevice:    b.opts.PrimaryGPU.DevT(),
		MainFormats:   primary.DmabufTextureFormats(),
		RenderDevice:  renderNode.DevT(),
		RenderFormats: rend.DmabufTextureFormats(),
		ScanoutDevice: scanoutDevice.DevT(),
		PlaneFormats:  planes.ScanoutFormats(),
	})
	return &pair
}

// ensureDmabufGlobal advertises dma-buf support with the primary GPU's default
// feedback, once
func (b *Backend) ensureDmabufGlobal() {
	if b.hasDmabufGlobal {
		return
	}
	r, err := b.opts.GPUs.SingleRenderer(b.opts.PrimaryGPU)
	if err != nil {
		b.log.Debug("Primary gpu not ready, dmabuf global deferred", "gpu", b.opts.PrimaryGPU, "err", err)
		return
	}
	fb := format.DefaultFeedback(b.opts.PrimaryGPU.DevT(), r.DmabufTextureFormats())
	b.dmabufGlobal = b.opts.Display.CreateDmabufGlobal(fb)
	b.hasDmabufGlobal = true
	b.log.Info("Dmabuf global created", "gpu", b.opts.PrimaryGPU, "formats", len(fb.Formats))
}
