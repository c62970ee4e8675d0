// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Command rhinoarc packs compute shaders into shader
// bytecode archives.
//
// Usage:
//
//	rhinoarc [-o out.rhar] [-entry name] [-lz4] [-validate=false] shader.wgsl
//	rhinoarc -list archive.rhar
//
// WGSL sources are compiled into SPIR-V.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"

	"github.com/gviegas/rhino/archive"
)

var (
	output   = flag.String("o", "out.rhar", "output file")
	entry    = flag.String("entry", "", "compute entry point (default: the first one)")
	compress = flag.Bool("lz4", false, "compress the bytecode")
	list     = flag.Bool("list", false, "print the records of an archive")
	validate = flag.Bool("validate", true, "validate the shader module")
	verbose  = flag.Bool("v", false, "verbose")
)

func main() {
	flag.Usage = usage
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	in := flag.Arg(0)
	var err error
	if *list {
		err = listFile(os.Stdout, in)
	} else {
		err = packFile(*output, in, options{*entry, *compress, *validate})
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n  rhinoarc [options] shader.wgsl\n  rhinoarc -list archive.rhar\n\nOptions:\n")
	flag.PrintDefaults()
}

// options configures pack.
type options struct {
	entry    string
	lz4      bool
	validate bool
}

// compile compiles WGSL source into SPIR-V and returns it
// with the name of the compute entry point.
// If name is empty, the first compute entry point is used.
func compile(src, name string, validate bool) ([]byte, string, error) {
	ast, err := naga.Parse(src)
	if err != nil {
		return nil, "", fmt.Errorf("parse: %w", err)
	}
	mod, err := naga.LowerWithSource(ast, src)
	if err != nil {
		return nil, "", fmt.Errorf("lower: %w", err)
	}
	if validate {
		verrs, err := naga.Validate(mod)
		if err != nil {
			return nil, "", err
		}
		for _, e := range verrs {
			log.Error(e)
		}
		if len(verrs) > 0 {
			return nil, "", fmt.Errorf("validation failed: %w", verrs[0])
		}
	}
	found := false
	for _, ep := range mod.EntryPoints {
		if ep.Stage != ir.StageCompute || (name != "" && ep.Name != name) {
			continue
		}
		name, found = ep.Name, true
		log.WithFields(log.Fields{"entry": ep.Name, "workgroup": ep.Workgroup}).Debug("compute entry point")
		break
	}
	if !found {
		if name == "" {
			return nil, "", errors.New("no compute entry point")
		}
		return nil, "", fmt.Errorf("no compute entry point named %q", name)
	}
	code, err := naga.GenerateSPIRV(mod, spirv.Options{Version: spirv.Version1_3})
	if err != nil {
		return nil, "", fmt.Errorf("SPIR-V generation: %w", err)
	}
	return code, name, nil
}

// pack creates a compute archive from WGSL source.
func pack(w io.Writer, src string, opt options) error {
	code, name, err := compile(src, opt.entry, opt.validate)
	if err != nil {
		return err
	}
	b := archive.NewBuilder(archive.PSOCompute, archive.LangSPIRV)
	if err := b.Add(archive.RecBytecode, code, opt.lz4); err != nil {
		return err
	}
	if err := b.Add(archive.RecEntryPoint, []byte(name), false); err != nil {
		return err
	}
	n, err := b.WriteTo(w)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"entry": name, "spirv": len(code), "size": n}).Info("archive written")
	return nil
}

func packFile(dst, src string, opt options) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := pack(f, string(b), opt); err != nil {
		f.Close()
		os.Remove(dst)
		return fmt.Errorf("%s: %w", src, err)
	}
	return f.Close()
}

// printList writes a listing of a.
func printList(w io.Writer, a *archive.Archive) {
	fmt.Fprintf(w, "version %d, %s, %s, %d bytes\n", a.Version, a.PSOType, a.Lang, a.Size)
	for i, r := range a.Records {
		fl := ""
		if r.Flags&archive.FlagLZ4 != 0 {
			fl = " lz4"
		}
		switch r.Type {
		case archive.RecBytecode:
			fmt.Fprintf(w, "%d\t%s\t%d bytes%s\n", i, r.Type, len(r.Data), fl)
		default:
			fmt.Fprintf(w, "%d\t%s\t%q%s\n", i, r.Type, r.Data, fl)
		}
	}
}

func listFile(w io.Writer, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	a, err := archive.Read(f, st.Size())
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	printList(w, a)
	return nil
}
