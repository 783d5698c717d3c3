//
// Copyright 2024 Verifoxx Limited
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// capmgr loads a compartment library, narrows every capability in every
// loaded object to confine it to the restricted domain, and drives the
// demo compartment API end to end.

package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/compLibs"
	"github.com/verifoxx/morello-capmgr/compartment"
	"github.com/verifoxx/morello-capmgr/example"
)

type options struct {
	CompLib    string `long:"comp-lib" default:"./libcompartment.so" description:"Shared object (.so) containing code to run in compartment"`
	Verbose    int32  `short:"v" default:"2" description:"Log verbose level, 0 (always) to 4 (verbose)"`
	DumpTables bool   `long:"dump_tables" description:"Dump program headers and relocation tables before patching"`
}

// logLevel maps the manager's 0..4 verbosity onto logrus. Levels 0..2
// differ only in message classes logrus always shows, so they share the
// info level.
func logLevel(v int32) logrus.Level {
	switch {
	case v <= 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// loadAndFix opens the compartment library and narrows every capability in
// every loaded object.
func loadAndFix(opts *options) (*compLibs.Set, error) {
	ldr, err := example.NewLoader()
	if err != nil {
		return nil, err
	}

	roots, err := cheri.PlatformRoots()
	if err != nil {
		return nil, err
	}

	libs, err := compLibs.Open(ldr, opts.CompLib, roots.ExecRW, roots.ExecRW, true, false)
	if err != nil {
		return nil, err
	}

	if opts.DumpTables {
		fmt.Printf("Dump libs phdrs: %v\n", libs)
		dump, err := libs.DumpRelocTables()
		if err != nil {
			libs.Close()
			return nil, err
		}
		fmt.Printf("Dump reloc tables:\n%s", dump)
	}

	logrus.Debug("do capability relocation fixups")
	if err := libs.FixupAll(true); err != nil {
		libs.Close()
		return nil, err
	}
	return libs, nil
}

// restoreAndEnd reverts the fixups ahead of process exit and releases the
// library set.
func restoreAndEnd(libs *compLibs.Set) error {
	logrus.Debug("revert capability relocation fixups")
	err := libs.FixupAll(false)
	if cerr := libs.Close(); err == nil {
		err = cerr
	}
	return err
}

func run(opts *options) int {
	libs, err := loadAndFix(opts)
	if err != nil {
		logrus.Errorf("compartment library %s is not valid or could not be found: %v",
			opts.CompLib, err)
		return 1
	}

	proxy, err := example.NewProxy(libs, compartment.ExampleCompartment,
		compartment.DefaultStackSize, compartment.DefaultSealID)
	if err != nil {
		logrus.Errorf("cannot construct compartment: %v", err)
		restoreAndEnd(libs)
		return 1
	}

	logrus.Info("set compartment debug level from the manager's log level")
	logOk, err := proxy.SetCompartmentDebugLevel(opts.Verbose)
	if err != nil {
		logrus.Errorf("set_compartment_debug_level: %v", err)
		return 1
	}
	logrus.Infof("result of example_set_compartment_debug_level(%d) = %t", opts.Verbose, logOk)

	a, b := int32(3), int32(8)
	sum, err := proxy.AddTwoNumbers(a, b)
	if err != nil {
		logrus.Errorf("add_two_numbers: %v", err)
		return 1
	}
	logrus.Infof("result of example_add_two_numbers(%d, %d) = %d", a, b, sum)

	testStr := "This is a test"
	buf, err := proxy.CopyStringToHeap(testStr)
	if err != nil || !buf.IsValid() {
		logrus.Errorf("copy_string_to_heap: %v", err)
		return 1
	}
	logrus.Infof("result of example_copy_string_to_heap(%q) = %v", testStr, buf)

	printed, err := proxy.PrintHeapStringAndFree(buf, 7)
	if err != nil {
		logrus.Errorf("print_heap_string_and_free: %v", err)
		return 1
	}
	logrus.Infof("result of example_print_heap_string_and_free(<buffer>, 7) = %t", printed)

	s := example.ExampleStruct{I: 99, B: false, C: '!'}
	if err := proxy.DumpStruct(s); err != nil {
		logrus.Errorf("dump_struct: %v", err)
		return 1
	}
	logrus.Info("example_dump_struct() completed")

	logrus.Info("*EXAMPLE ENDS*")

	proxy.Close()
	if err := restoreAndEnd(libs); err != nil {
		logrus.Errorf("error unloading compartment library %s: %v", opts.CompLib, err)
		return 1
	}
	return 0
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag)

	rest, err := parser.Parse()
	if err != nil {
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}
	if len(rest) != 0 || opts.Verbose < 0 || opts.Verbose > 4 {
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	logrus.SetLevel(logLevel(opts.Verbose))
	logrus.Infof("running %s examples", os.Args[0])

	os.Exit(run(&opts))
}
