package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"vm32/internal/vm32"
)

var (
	traceFile   = flag.String("trace", "", "write an execution trace to this file")
	maxCycles   = flag.Uint64("max-cycles", 0, "stop after N instructions (0 = unlimited)")
	interactive = flag.Bool("step", false, "single-step interactively, dumping state after each instruction")
	showVersion = flag.Bool("version", false, "show version and exit")
)

const version = "1.0.0"

var savedTermState *term.State

func setupTerminal() error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	state, err := term.GetState(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to get terminal state: %v", err)
	}
	savedTermState = state
	if _, err := term.MakeRaw(int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("failed to set raw mode: %v", err)
	}
	return nil
}

func restoreTerminal() {
	if savedTermState != nil && term.IsTerminal(int(os.Stdin.Fd())) {
		term.Restore(int(os.Stdin.Fd()), savedTermState)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("vm32run v%s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) != 1 {
		usage()
		os.Exit(1)
	}
	imagePath := args[0]

	data, err := os.ReadFile(imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading image file: %v\n", err)
		os.Exit(1)
	}

	engine := vm32.NewEngine(vm32.EngineConfig{})
	engine.SetConsole(os.Stdin, os.Stdout)
	engine.SetConsoleError(os.Stderr)

	var traceOut *os.File
	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating trace file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		traceOut = f
		engine.Tracer = vm32.NewTracer(f)
		fmt.Fprintf(f, "vm32 execution trace\n")
		fmt.Fprintf(f, "Image: %s\n", imagePath)
		fmt.Fprintf(f, "Size: %d bytes\n", len(data))
		fmt.Fprintf(f, "========================================\n")
	}

	if _, err := engine.LoadImage(data); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading image: %v\n", err)
		os.Exit(1)
	}

	if err := setupTerminal(); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up terminal: %v\n", err)
		os.Exit(1)
	}
	defer restoreTerminal()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		restoreTerminal()
		os.Exit(130)
	}()

	start := time.Now()
	var runErr *vm32.Fault
	if *interactive {
		runErr = runInteractive(engine)
	} else {
		runErr = runEmulator(engine, *maxCycles)
	}
	elapsed := time.Since(start)

	restoreTerminal()

	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "Execution completed\n")
	fmt.Fprintf(os.Stderr, "Instructions: %d\n", engine.InstructionCount)
	fmt.Fprintf(os.Stderr, "Time: %v\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		mhz := (float64(engine.InstructionCount) / 1_000_000.0) / elapsed.Seconds()
		fmt.Fprintf(os.Stderr, "Speed: %.3f MHz\n", mhz)
	}

	if traceOut != nil && runErr != nil {
		engine.Tracer.TraceFault(runErr)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Exit: normal\n")
}

func runEmulator(e *vm32.Engine, maxCycles uint64) *vm32.Fault {
	if maxCycles > 0 {
		return e.RunFor(maxCycles)
	}
	return e.Run()
}

// runInteractive single-steps the engine, dumping full state to stderr
// after every instruction and waiting for Enter between steps.
func runInteractive(e *vm32.Engine) *vm32.Fault {
	reader := bufio.NewReader(os.Stdin)
	for !e.Halted {
		f := e.Step()
		e.Dump(os.Stderr)
		if f != nil {
			return f
		}
		fmt.Fprint(os.Stderr, "press Enter to continue...")
		reader.ReadString('\n')
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <image-file>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "vm32run - execute a VM32 binary image\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nConsole I/O is connected to stdin/stdout; port 1 output goes to stderr.\n")
	fmt.Fprintf(os.Stderr, "Use -trace to generate a detailed execution trace file.\n")
}
