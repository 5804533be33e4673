package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/sakif/coderunner/internal/executor"
)

// maxToolOutput caps the text handed back to the model.
const maxToolOutput = 4000

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the code_run tool over MCP on stdio",
	Long: `Expose the sandbox as a Model Context Protocol server on stdin/stdout,
so agents can run code through the code_run tool.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	sb, err := newSandbox(cmd.Context(), cfg, logger, true)
	if err != nil {
		return err
	}
	defer sb.Close()

	s := newMCPServer(sb.engine, sb.languages())
	if err := mcpserver.ServeStdio(s); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func newMCPServer(exec executor.Executor, languages []string) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("coderunner", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Compile and run a program in a network-less Docker sandbox. Supported languages: %s.", strings.Join(languages, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (" + strings.Join(languages, ", ") + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to run. Java code must declare public class Main.",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}, codeRunHandler(exec))

	return s
}

func codeRunHandler(exec executor.Executor) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return toolResult("error: invalid arguments", true), nil
		}

		language, _ := args["language"].(string)
		code, _ := args["code"].(string)
		stdin, _ := args["stdin"].(string)
		if language == "" || code == "" {
			return toolResult("error: 'language' and 'code' are required", true), nil
		}

		res, err := exec.Execute(ctx, executor.ExecutionRequest{
			Language: language,
			Code:     code,
			Input:    stdin,
			Owner:    "mcp",
		})
		if err != nil {
			if errors.Is(err, executor.ErrUnsupportedLanguage) {
				return toolResult(fmt.Sprintf("error: unsupported language %q", language), true), nil
			}
			return nil, err
		}
		return toolResult(formatResult(res), !res.Success), nil
	}
}

func formatResult(res *executor.ExecutionResult) string {
	var out strings.Builder
	out.WriteString(res.Output)
	if res.Error != "" {
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString("STDERR:\n" + res.Error)
	}
	if res.ExitCode != 0 {
		fmt.Fprintf(&out, "\nexit code: %d", res.ExitCode)
	}

	text := out.String()
	if len(text) > maxToolOutput {
		// Cut on a rune boundary; the result travels as JSON.
		text = strings.ToValidUTF8(text[:maxToolOutput], "") + "\n... (output truncated)"
	}
	if text == "" {
		text = "(no output)"
	}
	return text
}

func toolResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isError,
	}
}
