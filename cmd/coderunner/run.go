package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sakif/coderunner/internal/executor"
	"github.com/sakif/coderunner/internal/executor/pipeline"
)

var (
	langFlag      string
	fileFlag      string
	inputFileFlag string
)

var runCmd = &cobra.Command{
	Use:   "run [FILE]",
	Short: "Run one source file in the sandbox",
	Long: `Run a single Java, Python or C++ source file and print what it wrote.

The source file is given with --file or as the only argument. The
language is taken from --lang or guessed from the file extension.
Standard input comes from --input-file, or is empty. The command exits with
the program's exit code.

Examples:
  coderunner run hello.py
  coderunner run --lang python --file x.py
  coderunner run --lang cpp --input-file in.txt solution.cc`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&fileFlag, "file", "", "Source file to run")
	runCmd.Flags().StringVar(&langFlag, "lang", "", "Language (java, python, cpp)")
	runCmd.Flags().StringVar(&inputFileFlag, "input-file", "", "File fed to the program's standard input")
	rootCmd.AddCommand(runCmd)
}

// exitCodeError carries the program's exit status out of RunE.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func runRun(cmd *cobra.Command, args []string) error {
	path, err := sourcePath(fileFlag, args)
	if err != nil {
		return err
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}

	lang := langFlag
	if lang == "" {
		lang = languageFromExt(path)
		if lang == "" {
			return fmt.Errorf("cannot tell the language of %s, pass --lang", path)
		}
	}

	var input []byte
	if inputFileFlag != "" {
		if input, err = os.ReadFile(inputFileFlag); err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	sb, err := newSandbox(cmd.Context(), cfg, logger, false)
	if err != nil {
		return err
	}
	defer sb.Close()

	res, err := sb.engine.Execute(cmd.Context(), executor.ExecutionRequest{
		Language: lang,
		Code:     string(code),
		Input:    string(input),
	})
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), res.Output)
	if res.Error != "" {
		fmt.Fprint(cmd.ErrOrStderr(), withNewline(res.Error))
	}
	logger.Debug("run finished",
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.ExecutionTime),
	)

	if res.Success {
		return nil
	}
	status := res.ExitCode
	if status <= 0 {
		status = 1
	}
	return exitCodeError{code: status}
}

func sourcePath(flag string, args []string) (string, error) {
	switch {
	case flag != "" && len(args) > 0:
		return "", errors.New("give the source file either with --file or as an argument, not both")
	case flag != "":
		return flag, nil
	case len(args) == 1:
		return args[0], nil
	}
	return "", errors.New("no source file given")
}

func languageFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".java":
		return string(pipeline.Java)
	case ".py":
		return string(pipeline.Python)
	case ".cpp", ".cc", ".cxx", ".c++":
		return string(pipeline.Cpp)
	}
	return ""
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func exitStatus(err error) int {
	var ec exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return 1
}
