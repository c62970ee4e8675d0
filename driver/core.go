// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"time"

	"github.com/gogpu/gputypes"
)

// GPU is the main interface to an underlying driver
// implementation.
// It is used to create other types and to access the
// device queues.
// A GPU is obtained from a call to Driver.Open.
type GPU interface {
	// Driver returns the Driver that owns the GPU.
	Driver() Driver

	// NewRootSignature compiles a list of descriptor
	// spaces into a root signature.
	// The spaces are copied, so the caller's slices can
	// be reused once this method returns.
	// It fails with ErrInvalidLayout if the spaces do not
	// pass ValidateLayout, in which case no native object
	// is created.
	NewRootSignature(spaces []DescriptorSpaceDesc) (RootSignature, error)

	// NewComputePSO creates a new compute pipeline.
	NewComputePSO(desc *ComputePSODesc) (ComputePSO, error)

	// NewRTPSO creates a new ray tracing pipeline.
	NewRTPSO(desc *RTPSODesc) (RTPSO, error)

	// NewDescriptorHeap creates a new descriptor heap with
	// n slots.
	NewDescriptorHeap(typ DescriptorHeapType, n int) (DescriptorHeap, error)

	// NewBuffer creates a new buffer.
	NewBuffer(desc *BufferDesc) (Buffer, error)

	// NewTexture2D creates a new 2D texture.
	NewTexture2D(desc *Texture2DDesc) (Texture, error)

	// NewTexture3D creates a new 3D texture.
	NewTexture3D(desc *Texture3DDesc) (Texture, error)

	// NewAccelStruct creates a new acceleration structure.
	// Its contents are undefined until a build command
	// that targets it completes execution.
	NewAccelStruct(desc *AccelStructDesc) (AccelStruct, error)

	// NewCmdList creates a new command list that can be
	// submitted to queues of type q.
	// The command list starts in the Recording state.
	NewCmdList(q QueueType) (CmdList, error)

	// NewSemaphore creates a new semaphore whose completed
	// value is initialValue.
	NewSemaphore(initialValue uint64) (Semaphore, error)

	// Queue returns the device queue of type q.
	Queue(q QueueType) Queue

	// Limits returns the implementation limits.
	// They are immutable for the lifetime of the GPU.
	Limits() Limits
}

// Destroyer is the interface that wraps the Destroy method.
// Types that implement this interface may allocate external
// memory that is not managed by GC, so Destroy must be
// called explicitly to ensure such memory is deallocated.
type Destroyer interface {
	Destroy()
}

// QueueType is the type of a device queue.
type QueueType int

// Queue types.
const (
	// Direct queues accept every command.
	QueueDirect QueueType = iota
	// Compute queues accept compute, ray tracing and
	// copy commands.
	QueueCompute
	// Copy queues accept copy commands only.
	QueueCopy
)

// String implements fmt.Stringer.
func (q QueueType) String() string {
	switch q {
	case QueueDirect:
		return "direct"
	case QueueCompute:
		return "compute"
	case QueueCopy:
		return "copy"
	}
	return "unknown"
}

// Queue is the interface that defines a device queue.
// Command lists submitted to the same queue execute in
// submission order. No ordering is guaranteed across
// different queues unless a semaphore wait/signal pair
// is used.
type Queue interface {
	// Type returns the queue type.
	Type() QueueType

	// Submit submits closed command lists for execution.
	// This method does not wait for execution to complete.
	// It fails with ErrSubmission if a command list is not
	// in the Closed state, if it was created for another
	// type of queue, or if the device was lost.
	// Failed submissions are not retried.
	Submit(cl ...CmdList) error

	// SignalSemaphore enqueues a signal operation that sets
	// the completed value of s to value once all previously
	// submitted work completes.
	// value should not be less than the current value.
	SignalSemaphore(s Semaphore, value uint64) error

	// WaitSemaphore enqueues a wait operation that stalls
	// the queue until the completed value of s is greater
	// than or equal to value.
	WaitSemaphore(s Semaphore, value uint64) error
}

// CmdListState is the state of a command list.
type CmdListState int

// Command list states.
const (
	Recording CmdListState = iota
	Closed
	Submitted
	Retired
)

// String implements fmt.Stringer.
func (s CmdListState) String() string {
	switch s {
	case Recording:
		return "recording"
	case Closed:
		return "closed"
	case Submitted:
		return "submitted"
	case Retired:
		return "retired"
	}
	return "unknown"
}

// CmdList is the interface that defines a command list.
// Commands are recorded into command lists and later
// submitted to a queue for execution. The usage is as
// follows:
//
//  1. call SetComputePSO (or SetRTPSO)
//  2. call SetHeap
//  3. call Dispatch (or DispatchRays)
//  4. repeat 1-3 as needed; copy and build commands can
//     be recorded at any point
//  5. call Close and, if it succeeds, Queue.Submit.
//
// A pipeline must be set before the heaps are set, and the
// heaps must be set before any dispatch that reads bound
// descriptors. Violating this order, or recording commands
// into a command list that is not in the Recording state,
// is a programming error and causes a panic.
// Command lists are owned by the goroutine that records
// them until they are submitted.
type CmdList interface {
	Destroyer

	// State returns the current state of the command
	// list.
	State() CmdListState

	// SetComputePSO sets the compute pipeline and its root
	// signature.
	SetComputePSO(pso ComputePSO)

	// SetRTPSO sets the ray tracing pipeline and its root
	// signature.
	SetRTPSO(pso RTPSO)

	// SetHeap binds descriptor heaps to every space of
	// the current root signature.
	// samplers may be nil if the root signature has no
	// sampler spaces.
	SetHeap(cbvSrvUav, samplers DescriptorHeap)

	// Dispatch dispatches compute thread groups.
	Dispatch(grpCountX, grpCountY, grpCountZ int)

	// DispatchRays launches ray generation shaders.
	DispatchRays(desc *DispatchRaysDesc)

	// CopyBuffer copies data between buffers.
	CopyBuffer(src, dst Buffer, srcOff, dstOff, size int64)

	// BuildBLAS builds a bottom-level acceleration
	// structure.
	BuildBLAS(b *BLASBuild)

	// BuildTLAS builds a top-level acceleration
	// structure.
	BuildTLAS(b *TLASBuild)

	// Close ends command recording and prepares the
	// command list for submission.
	// It fails with ErrCmdListState if the command list
	// is not in the Recording state.
	Close() error

	// Reset discards all recorded commands and puts the
	// command list in the Recording state.
	// It fails with ErrCmdListState if the command list
	// is pending execution.
	Reset() error
}

// ShaderCode specifies an entry point within shader
// bytecode.
// The bytecode format is backend-specific (DXIL, SPIR-V or
// Metal IR) and is passed through unmodified.
type ShaderCode struct {
	Bytecode   []byte
	EntryPoint string
}

// ComputePSODesc describes a compute pipeline.
type ComputePSODesc struct {
	RootSignature RootSignature
	Shader        ShaderCode
}

// RootSignature is the interface that defines a compiled
// binding layout.
// A root signature is immutable. It must outlive every
// pipeline created from it and every command list that
// binds it.
type RootSignature interface {
	Destroyer

	// Layout returns the CPU mirror of the spaces from
	// which the root signature was created.
	Layout() *Layout

	// API returns the native API of the backend that
	// compiled the root signature.
	API() API
}

// ComputePSO is the interface that defines a compute
// pipeline.
type ComputePSO interface {
	Destroyer

	// RootSignature returns the root signature that the
	// pipeline was created with.
	RootSignature() RootSignature
}

// DescriptorHeapType is the type of a descriptor heap.
type DescriptorHeapType int

// Descriptor heap types.
const (
	HeapCBVSRVUAV DescriptorHeapType = iota
	HeapRTV
	HeapDSV
	HeapSampler
)

// String implements fmt.Stringer.
func (t DescriptorHeapType) String() string {
	switch t {
	case HeapCBVSRVUAV:
		return "CBV_SRV_UAV"
	case HeapRTV:
		return "RTV"
	case HeapDSV:
		return "DSV"
	case HeapSampler:
		return "Sampler"
	}
	return "unknown"
}

// DescriptorHeap is the interface that defines a fixed-size
// table of descriptors.
// Slots are addressed by a zero-based offset chosen by the
// caller. Writing to a slot overwrites the descriptor that
// it holds. Reading an unwritten slot is undefined.
// Writes are not synchronized with GPU execution: writing
// a slot that is referenced by pending work is undefined.
// Callers must serialize their own writes.
type DescriptorHeap interface {
	Destroyer

	// Type returns the heap type.
	Type() DescriptorHeapType

	// Len returns the number of slots in the heap.
	Len() int

	// Stride returns the size in bytes of a slot.
	// It is fixed at heap creation.
	Stride() int

	// WriteSRV writes a shader resource view.
	// The heap must be of type HeapCBVSRVUAV.
	WriteSRV(v *ViewDesc)

	// WriteUAV writes an unordered access view.
	// The heap must be of type HeapCBVSRVUAV.
	WriteUAV(v *ViewDesc)

	// WriteCBV writes a constant buffer view.
	// The heap must be of type HeapCBVSRVUAV and v must
	// refer to a buffer.
	WriteCBV(v *ViewDesc)

	// WriteSampler writes a sampler.
	// The heap must be of type HeapSampler.
	WriteSampler(s *SamplerDesc)
}

// HeapType is the type of memory heap that backs a buffer.
type HeapType int

// Memory heap types.
const (
	// Device-local memory. Not host visible.
	HeapDefault HeapType = iota
	// Host-visible memory for CPU writes.
	HeapUpload
	// Host-visible memory for CPU reads.
	HeapReadback
)

// String implements fmt.Stringer.
func (t HeapType) String() string {
	switch t {
	case HeapDefault:
		return "default"
	case HeapUpload:
		return "upload"
	case HeapReadback:
		return "readback"
	}
	return "unknown"
}

// Usage is a mask indicating valid uses for a resource.
type Usage int

// Usage flags for Buffer and Texture.
const (
	UVertexBuffer Usage = 1 << iota
	UIndexBuffer
	UConstantBuffer
	UShaderResource
	UUnorderedAccess
	UIndirect
	UCopySource
	UCopyDest
	UGeneric Usage = 1<<iota - 1
)

// BufferDesc describes a buffer.
type BufferDesc struct {
	Size  int64
	Heap  HeapType
	Usage Usage
}

// Buffer is the interface that defines a GPU buffer.
// The size of the buffer is fixed.
type Buffer interface {
	Destroyer

	// Size returns the size of the buffer in bytes.
	Size() int64

	// Heap returns the memory heap of the buffer.
	Heap() HeapType

	// Usage returns the valid usages of the buffer.
	Usage() Usage

	// Bytes returns a slice of length Size referring to
	// the underlying data. If the buffer is not in an
	// Upload or Readback heap, it returns nil instead.
	// The slice is valid for the lifetime of the buffer.
	Bytes() []byte

	// GPUAddress returns the device address of the
	// buffer.
	GPUAddress() uint64
}

// Texture2DDesc describes a 2D texture.
type Texture2DDesc struct {
	Width     int
	Height    int
	MipLevels int
	Format    gputypes.TextureFormat
	Usage     Usage
}

// Texture3DDesc describes a 3D texture.
type Texture3DDesc struct {
	Width     int
	Height    int
	Depth     int
	MipLevels int
	Format    gputypes.TextureFormat
	Usage     Usage
}

// Texture is the interface that defines a GPU texture.
// Direct access to texture memory is not provided.
type Texture interface {
	Destroyer

	// Dimension returns the texture dimension (2D or
	// 3D).
	Dimension() gputypes.TextureDimension

	// Size returns the size of the first mip level.
	Size() gputypes.Extent3D

	// Format returns the pixel format.
	Format() gputypes.TextureFormat

	// MipLevels returns the number of mip levels.
	MipLevels() int

	// Usage returns the valid usages of the texture.
	Usage() Usage
}

// Semaphore is the interface that defines a timeline
// semaphore: a monotonically increasing 64-bit counter
// that can be signaled and waited for by both the host
// and device queues.
// A wait for value v is satisfied once the completed
// value is greater than or equal to v, and remains
// satisfied thereafter.
type Semaphore interface {
	Destroyer

	// SignalFromHost sets the completed value to value.
	// Signaling a value lower than the completed value
	// has no effect.
	SignalFromHost(value uint64) error

	// WaitFromHost blocks the calling goroutine until
	// the completed value is greater than or equal to
	// value, or until timeout elapses.
	// A negative timeout means no timeout.
	// It returns whether the wait was satisfied.
	WaitFromHost(value uint64, timeout time.Duration) bool

	// CompletedValue returns the current completed value.
	// It never blocks.
	CompletedValue() uint64
}

// Limits describes implementation limits.
// These may vary across drivers and devices.
type Limits struct {
	// Maximum number of slots in a CBV/SRV/UAV heap.
	MaxDescriptorHeap int
	// Maximum number of slots in a sampler heap.
	MaxSamplerHeap int
	// Maximum number of spaces in a root signature.
	MaxSpaces int
	// Size in bytes of shader identifiers.
	ShaderIdentifierSize int
	// Stride in bytes of shader table records.
	ShaderRecordStride int
	// Required alignment of CBV ranges.
	ConstantBufferAlignment int64
	// Maximum dispatch count.
	MaxDispatch [3]int
}
