// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package driver

// GPU is the main interface to an underlying driver
// implementation.
// It is used to create other types and to execute commands.
// A GPU is obtained from a call to Driver.Open.
type GPU interface {
	// Driver returns the Driver that owns the GPU.
	Driver() Driver

	// Commit commits a batch of command buffers to the GPU
	// for execution.
	// The order of command buffers in wk.Work is meaningful.
	// When all commands complete execution, wk.Err is set
	// accordingly and wk itself is sent on ch. Command
	// buffers in wk.Work cannot be used for recording until
	// then.
	// Commits on a given GPU complete in commit order.
	Commit(wk *WorkItem, ch chan<- *WorkItem) error

	// NewCmdBuffer creates a new command buffer.
	NewCmdBuffer() (CmdBuffer, error)

	// NewBuffer creates a new buffer.
	NewBuffer(size int64, visible bool, usg Usage) (Buffer, error)

	// NewImage creates a new image.
	NewImage(pf PixelFmt, size Dim3D, layers, levels, samples int, usg Usage) (Image, error)

	// NewShaderCode creates a new shader code.
	// data must contain a valid shader binary; the blob
	// format is implementation-defined.
	NewShaderCode(data []byte) (ShaderCode, error)

	// NewDescLayout creates a new descriptor layout.
	NewDescLayout(ds []Descriptor) (DescLayout, error)

	// NewPipeline creates a new pipeline.
	// The state parameter must be a pointer to a GraphState
	// or a pointer to a CompState.
	NewPipeline(state any) (Pipeline, error)

	// Limits returns the implementation limits.
	// They are immutable for the lifetime of the GPU.
	Limits() Limits
}

// WorkItem wraps a batch of command buffers for execution.
// The Custom field is reserved for the caller of Commit and
// is carried through unchanged.
type WorkItem struct {
	Work   []CmdBuffer
	Err    error
	Custom any
}

// Destroyer is the interface that wraps the Destroy method.
// Types that implement this interface may allocate external
// memory that is not managed by GC, so Destroy must be
// called explicitly to ensure such memory is deallocated.
type Destroyer interface {
	Destroy()
}

// CmdBuffer is the interface that defines a command buffer.
// Commands are recorded into command buffers and later
// committed to the GPU for execution.
// First, call Begin to prepare the command buffer for
// recording. Draw commands must be recorded between
// BeginPass/EndPass pairs; dispatch and copy commands must
// be recorded outside of a pass.
// Finally, call End and, if it succeeds, GPU.Commit.
type CmdBuffer interface {
	Destroyer

	// Begin prepares the command buffer for recording.
	// It must be called before any command is recorded.
	// It needs to be called again if the command buffer
	// is executed or reset.
	Begin() error

	// IsRecording returns whether the command buffer is
	// in the recording state.
	IsRecording() bool

	// BeginPass begins a render pass targeting the given
	// attachments.
	// Passes must not be nested.
	BeginPass(width, height int, color []ColorTarget, ds *DSTarget)

	// EndPass ends the current render pass.
	EndPass()

	// SetPipeline sets the pipeline.
	// There is a separate binding point for each type of
	// pipeline.
	SetPipeline(pl Pipeline)

	// SetVertexBuf sets one or more vertex buffers.
	// off must be aligned to the size of the data format
	// as specified in the vertex input of the bound
	// graphics pipeline.
	SetVertexBuf(start int, buf []Buffer, off []int64)

	// SetIndexBuf sets the index buffer.
	// off must be aligned to 4 bytes.
	SetIndexBuf(format IndexFmt, buf Buffer, off int64)

	// Draw draws primitives.
	// It must only be called during a render pass.
	Draw(vertCount, instCount, baseVert, baseInst int)

	// DrawIndexed draws indexed primitives.
	// It must only be called during a render pass.
	DrawIndexed(idxCount, instCount, baseIdx, vertOff, baseInst int)

	// Dispatch dispatches compute thread groups.
	Dispatch(grpCountX, grpCountY, grpCountZ int)

	// CopyBuffer copies data between buffers.
	CopyBuffer(param *BufferCopy)

	// CopyBufToImg copies data from a buffer to an image.
	CopyBufToImg(param *BufImgCopy)

	// CopyImgToBuf copies data from an image to a buffer.
	CopyImgToBuf(param *BufImgCopy)

	// Fill fills a buffer range with copies of a byte
	// value.
	// off and size must be aligned to 4 bytes.
	Fill(buf Buffer, off int64, value byte, size int64)

	// Barrier inserts a number of global barriers in the
	// command buffer.
	Barrier(b []Barrier)

	// End ends command recording and prepares the command
	// buffer for execution.
	// New recordings are not allowed until the command
	// buffer is executed or reset.
	// Upon failure, the command buffer is reset.
	End() error

	// Reset discards all recorded commands from the
	// command buffer.
	Reset() error
}

// BufferCopy describes the parameters of a copy command
// that copies data from one buffer to another.
type BufferCopy struct {
	From    Buffer
	FromOff int64
	To      Buffer
	ToOff   int64
	Size    int64
}

// BufImgCopy describes the parameters of a copy command
// that copies data between a buffer and an image.
type BufImgCopy struct {
	Buf    Buffer
	BufOff int64
	// Stride specifies the addressing of image data in
	// the buffer. It is given in pixels.
	// Stride[0] refers to the row length and Stride[1]
	// refers to the image height.
	Stride [2]int64
	Img    Image
	ImgOff Off3D
	Layer  int
	Level  int
	Size   Dim3D
}

// Sync is the type of a synchronization scope.
type Sync int

// Synchronization scopes.
const (
	SVertexInput Sync = 1 << iota
	SVertexShading
	SFragmentShading
	SComputeShading
	SColorOutput
	SCopy
	SAll
	SNone Sync = 0
)

// Access is the type of a memory access scope.
type Access int

// Memory access scopes.
const (
	AVertexBufRead Access = 1 << iota
	AIndexBufRead
	AColorRead
	AColorWrite
	ACopyRead
	ACopyWrite
	AShaderRead
	AShaderWrite
	AAnyRead
	AAnyWrite
	ANone Access = 0
)

// Barrier represents a synchronization barrier.
type Barrier struct {
	SyncBefore   Sync
	SyncAfter    Sync
	AccessBefore Access
	AccessAfter  Access
}

// LoadOp is the type of an attachment's load operation.
type LoadOp int

// Load operations.
const (
	LDontCare LoadOp = iota
	LClear
	LLoad
)

// StoreOp is the type of an attachment's store operation.
type StoreOp int

// Store operations.
const (
	SDontCare StoreOp = iota
	SStore
)

// ClearValue defines clear values for color or
// depth/stencil aspects of a render target.
type ClearValue struct {
	Color   [4]float32
	Depth   float32
	Stencil uint32
}

// ColorTarget describes a color attachment of a render
// pass.
// The image must have been created with URenderTarget
// as a valid usage.
type ColorTarget struct {
	Img   Image
	Load  LoadOp
	Store StoreOp
	Clear ClearValue
}

// DSTarget describes the depth/stencil attachment of a
// render pass.
type DSTarget struct {
	Img   Image
	Load  [2]LoadOp
	Store [2]StoreOp
	Clear ClearValue
}

// ShaderCode is the interface that defines a shader binary
// for execution in a programmable pipeline stage.
type ShaderCode interface {
	Destroyer
}

// ShaderFunc specifies a function within a shader binary.
type ShaderFunc struct {
	Code ShaderCode
	Name string
}

// Stage is a mask of programmable stages.
type Stage int

// Stages.
const (
	SVertex Stage = 1 << iota
	SFragment
	SCompute
)

// DescType is the type of a descriptor.
type DescType int

// Descriptor types.
const (
	// Read/write buffer.
	DBuffer DescType = iota
	// Constant buffer.
	DConstant
	// Sampled texture.
	DTexture
	// Texture sampler.
	DSampler
)

// Descriptor describes data for use in shaders.
// Nr is the binding number and Len is the number of
// elements in the binding's array.
type Descriptor struct {
	Type   DescType
	Stages Stage
	Nr     int
	Len    int
}

// DescLayout is the interface that defines the shader
// visibility of a set of descriptors.
type DescLayout interface {
	Destroyer
}

// VertexFmt describes the format of a vertex input.
type VertexFmt int

// Vertex formats.
const (
	// Signed 32-bit integer, 1-4 components.
	Int32 VertexFmt = iota
	Int32x2
	Int32x3
	Int32x4
	// Unsigned 32-bit integer, 1-4 components.
	UInt32
	UInt32x2
	UInt32x3
	UInt32x4
	// Single precision floating-point, 1-4 components.
	Float32
	Float32x2
	Float32x3
	Float32x4
)

// Size returns the size in bytes of a single element of
// format f.
func (f VertexFmt) Size() int {
	switch f {
	case Int32, UInt32, Float32:
		return 4
	case Int32x2, UInt32x2, Float32x2:
		return 8
	case Int32x3, UInt32x3, Float32x3:
		return 12
	case Int32x4, UInt32x4, Float32x4:
		return 16
	}
	return 0
}

// VertexIn describes a vertex input.
// Consecutive vertices are fetched Stride bytes apart.
// Each vertex input represents a separate buffer binding;
// interleaved inputs are not supported.
// The meaning of the Nr field is shader-specific.
type VertexIn struct {
	Format VertexFmt
	Stride int
	Nr     int
}

// Topology is the type of primitive topologies,
// which determines how vertex data is assembled.
type Topology int

// Primitive topologies.
const (
	TPoint Topology = iota
	TLine
	TLnStrip
	TTriangle
	TTriStrip
)

// IndexFmt describes the format of index buffer data.
type IndexFmt int

// Index formats.
const (
	Index16 IndexFmt = 2
	Index32 IndexFmt = 4
)

// CullMode is the type of cull modes, which determines
// primitive culling based on triangle facing direction.
type CullMode int

// Cull modes.
const (
	CNone CullMode = iota
	CFront
	CBack
)

// RasterState defines the rasterization state of a
// graphics pipeline.
type RasterState struct {
	// Winding order is either clockwise or
	// counter-clockwise.
	Clockwise bool
	Cull      CullMode
}

// CmpFunc is the type of comparison functions.
type CmpFunc int

// Comparison functions.
const (
	CNever CmpFunc = iota
	CLess
	CEqual
	CLessEqual
	CGreater
	CNotEqual
	CGreaterEqual
	CAlways
)

// DSState defines the depth/stencil state of a graphics
// pipeline.
type DSState struct {
	// DepthTest enables the depth test.
	DepthTest bool
	// DepthWrite enables depth writes.
	DepthWrite bool
	DepthCmp   CmpFunc
}

// BlendOp is the type of blend operations.
type BlendOp int

// Blend operations.
const (
	BAdd BlendOp = iota
	BSubtract
	BRevSubtract
	BMin
	BMax
)

// BlendFac is the type of blend factors.
type BlendFac int

// Blend factors.
const (
	BZero BlendFac = iota
	BOne
	BSrcColor
	BInvSrcColor
	BSrcAlpha
	BInvSrcAlpha
	BDstColor
	BInvDstColor
	BDstAlpha
	BInvDstAlpha
)

// ColorBlend defines a render target's blend parameters
// for the color blend state of a graphics pipeline.
// In the arrays, [0] is for color and [1] is for alpha.
type ColorBlend struct {
	Blend  bool
	Op     [2]BlendOp
	SrcFac [2]BlendFac
	DstFac [2]BlendFac
}

// GraphState defines the combination of programmable and
// fixed stages of a graphics pipeline.
// Graphics pipelines are created from graphics states.
// ColorFmt and DSFmt define the attachment formats that
// render passes using the pipeline must match.
type GraphState struct {
	VertFunc ShaderFunc
	FragFunc ShaderFunc
	Desc     DescLayout
	Input    []VertexIn
	Topology Topology
	Raster   RasterState
	Samples  int
	DS       DSState
	Blend    []ColorBlend
	ColorFmt []PixelFmt
	DSFmt    PixelFmt
}

// CompState defines the state of a compute pipeline.
// Compute pipelines are created from compute states.
type CompState struct {
	Func ShaderFunc
	Desc DescLayout
}

// Pipeline is the interface that defines a GPU pipeline.
type Pipeline interface {
	Destroyer
}

// Usage is a mask indicating valid uses for a resource.
type Usage int

// Usage flags for Buffer and Image.
const (
	// The resource can provide vertex data for draw calls.
	// Valid only for Buffer.
	UVertexData Usage = 1 << iota
	// The resource can provide index data for draw calls.
	// Valid only for Buffer.
	UIndexData
	// The resource can provide constant data for shaders.
	// Valid only for Buffer.
	UConstData
	// The resource can be read/written in shaders.
	UStorage
	// The resource can be sampled in shaders.
	// Valid only for Image.
	UShaderSample
	// The resource can be used as a render target.
	// Valid only for Image.
	URenderTarget
	// The resource can be the source of copy commands.
	UCopySrc
	// The resource can be the destination of copy
	// commands.
	UCopyDst
	// The resource can be used for any purpose.
	UGeneric Usage = 1<<iota - 1
)

// Buffer is the interface that defines a GPU buffer.
// The size of the buffer is fixed. When a larger buffer
// is necessary, a new one must be created and the data
// must be copied explicitly.
type Buffer interface {
	Destroyer

	// Visible returns whether the buffer is host visible.
	// Non-visible memory cannot be accessed by the CPU.
	Visible() bool

	// Bytes returns a slice of length Cap referring to
	// the underlying data. If the buffer is not host
	// visible, it returns nil instead.
	// The slice is valid for the lifetime of the buffer.
	Bytes() []byte

	// Cap returns the capacity of the buffer in bytes,
	// which may be greater than the size requested during
	// buffer creation.
	// This value is immutable.
	Cap() int64
}

// PixelFmt describes the format of a pixel.
type PixelFmt int

// Pixel formats.
const (
	FInvalid PixelFmt = iota
	// Color, 8-bit channels.
	RGBA8un
	RGBA8sRGB
	BGRA8un
	BGRA8sRGB
	R8un
	// Color, 16-bit channels.
	RGBA16f
	// Color, 32-bit channels.
	RGBA32f
	R32f
	// Depth/Stencil.
	D16un
	D32f
	D24unS8ui
)

// Size returns the size in bytes of a single pixel of
// format f.
func (f PixelFmt) Size() int {
	switch f {
	case R8un:
		return 1
	case D16un:
		return 2
	case RGBA8un, RGBA8sRGB, BGRA8un, BGRA8sRGB, R32f, D32f, D24unS8ui:
		return 4
	case RGBA16f:
		return 8
	case RGBA32f:
		return 16
	}
	return 0
}

// Dim3D is a three-dimensional size.
type Dim3D struct {
	Width, Height, Depth int
}

// Off3D is a three-dimensional offset.
type Off3D struct {
	X, Y, Z int
}

// Image is the interface that defines a GPU image.
// Direct access to image memory is not provided, so
// copying data from the CPU to an image resource requires
// the use of a staging buffer.
type Image interface {
	Destroyer
}

// Limits describes implementation limits.
// These may vary across drivers and devices.
type Limits struct {
	// Maximum width and height of 2D images.
	MaxImage2D int
	// Maximum number of layers in an image.
	MaxLayers int
	// Maximum number of color render targets in a
	// render pass.
	MaxColorTargets int
	// Maximum number of vertex inputs in a vertex
	// shader.
	MaxVertexIn int
	// Maximum dispatch count.
	MaxDispatch [3]int
	// Maximum range of constant descriptors.
	MaxConstRange int64
}
