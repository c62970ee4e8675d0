// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"

	"github.com/gviegas/rhino/driver"
)

// proc holds the device-level entry points of the
// extensions that the driver uses.
// Each GPU loads its own table when it is opened.
type proc struct {
	getDescriptorSetLayoutSizeEXT          func(l *setLayout) int64
	getDescriptorSetLayoutBindingOffsetEXT func(l *setLayout, binding uint32) int64
	getDescriptorEXT                       func(info *descriptorGetInfo, dst []byte)
	cmdBindDescriptorBuffersEXT            func(cb *cmdBuffer, infos []descriptorBufferBindingInfo)
	cmdSetDescriptorBufferOffsetsEXT       func(cb *cmdBuffer, pl *pipelineLayout, firstSet uint32, indices []uint32, offsets []int64)
	getRayTracingShaderGroupHandlesKHR     func(p *rtPipeline, first, count int, dst []byte) error
	getBufferDeviceAddress                 func(b *buffer) uint64
}

// fetch stores the entry point named name in dst.
func fetch[T any](getDeviceProcAddr func(string) any, name string, dst *T) error {
	f, ok := getDeviceProcAddr(name).(T)
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrNotInstalled, name)
	}
	*dst = f
	return nil
}

// load fetches every entry point of p.
func (p *proc) load(getDeviceProcAddr func(string) any) (err error) {
	defer func() {
		if err != nil {
			*p = proc{}
		}
	}()
	if err = fetch(getDeviceProcAddr, "vkGetDescriptorSetLayoutSizeEXT", &p.getDescriptorSetLayoutSizeEXT); err != nil {
		return
	}
	if err = fetch(getDeviceProcAddr, "vkGetDescriptorSetLayoutBindingOffsetEXT", &p.getDescriptorSetLayoutBindingOffsetEXT); err != nil {
		return
	}
	if err = fetch(getDeviceProcAddr, "vkGetDescriptorEXT", &p.getDescriptorEXT); err != nil {
		return
	}
	if err = fetch(getDeviceProcAddr, "vkCmdBindDescriptorBuffersEXT", &p.cmdBindDescriptorBuffersEXT); err != nil {
		return
	}
	if err = fetch(getDeviceProcAddr, "vkCmdSetDescriptorBufferOffsetsEXT", &p.cmdSetDescriptorBufferOffsetsEXT); err != nil {
		return
	}
	if err = fetch(getDeviceProcAddr, "vkGetRayTracingShaderGroupHandlesKHR", &p.getRayTracingShaderGroupHandlesKHR); err != nil {
		return
	}
	return fetch(getDeviceProcAddr, "vkGetBufferDeviceAddress", &p.getBufferDeviceAddress)
}

// getDeviceProcAddr is vkGetDeviceProcAddr.
// It returns nil for unknown names.
func (g *GPU) getDeviceProcAddr(name string) any {
	switch name {
	case "vkGetDescriptorSetLayoutSizeEXT":
		return setLayoutSize
	case "vkGetDescriptorSetLayoutBindingOffsetEXT":
		return setLayoutBindingOffset
	case "vkGetDescriptorEXT":
		return getDescriptor
	case "vkCmdBindDescriptorBuffersEXT":
		return cmdBindDescriptorBuffers
	case "vkCmdSetDescriptorBufferOffsetsEXT":
		return cmdSetDescriptorBufferOffsets
	case "vkGetRayTracingShaderGroupHandlesKHR":
		return getShaderGroupHandles
	case "vkGetBufferDeviceAddress":
		return bufferDeviceAddress
	}
	return nil
}

// Device side of the extension entry points.

func setLayoutSize(l *setLayout) int64 {
	var n uint32
	for _, b := range l.bindings {
		n = max(n, b.binding+b.descriptorCount)
	}
	return int64(n) * l.descriptorSize
}

func setLayoutBindingOffset(l *setLayout, binding uint32) int64 {
	return int64(binding) * l.descriptorSize
}

func cmdBindDescriptorBuffers(cb *cmdBuffer, infos []descriptorBufferBindingInfo) {
	cb.cmds = append(cb.cmds, command{
		op:      opBindDescriptorBuffers,
		buffers: append([]descriptorBufferBindingInfo(nil), infos...),
	})
}

func cmdSetDescriptorBufferOffsets(cb *cmdBuffer, pl *pipelineLayout, firstSet uint32, indices []uint32, offsets []int64) {
	cb.cmds = append(cb.cmds, command{
		op:       opSetDescriptorBufferOffsets,
		layout:   pl,
		firstSet: firstSet,
		indices:  append([]uint32(nil), indices...),
		offsets:  append([]int64(nil), offsets...),
	})
}

func getShaderGroupHandles(p *rtPipeline, first, count int, dst []byte) error {
	if first < 0 || count < 0 || first+count > len(p.handles) || len(dst) < count*shaderGroupHandleSize {
		return fmt.Errorf("vk: invalid shader group range [%d, %d)", first, first+count)
	}
	for i := range count {
		copy(dst[i*shaderGroupHandleSize:], p.handles[first+i][:])
	}
	return nil
}

func bufferDeviceAddress(b *buffer) uint64 { return b.mem.VA }
