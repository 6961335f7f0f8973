package tools

import (
	"fmt"
	"os"
	"path/filepath"

	"codeforge/internal/logging"
)

// ShimFile is the module name generated nodes import.
const ShimFile = "forge_tools.py"

// shimSource is the Python side of call_tool. It dispatches through the
// forge binary so nodes need no network stack; FORGE_BIN overrides the
// binary for tests.
const shimSource = `"""Tool invocation shim for generated nodes.

Nodes import call_tool from this module after inserting the shim
directory (FORGE_SHIM) onto sys.path.
"""

import json
import os
import subprocess


class ToolError(RuntimeError):
    pass


def call_tool(tool_name, prompt, **kwargs):
    """Invoke a registered tool and return its string result."""
    binary = os.environ.get("FORGE_BIN", "forge")
    payload = json.dumps({"prompt": prompt, "kwargs": kwargs})
    proc = subprocess.run(
        [binary, "tool-call", tool_name],
        input=payload,
        capture_output=True,
        text=True,
        timeout=float(os.environ.get("FORGE_TOOL_TIMEOUT", "120")),
    )
    if proc.returncode != 0:
        raise ToolError(
            "tool %s failed (exit %d): %s" % (tool_name, proc.returncode, proc.stderr.strip())
        )
    doc = json.loads(proc.stdout.strip().splitlines()[-1])
    if "error" in doc:
        raise ToolError(doc["error"])
    return doc.get("result", "")
`

// WriteShim installs forge_tools.py into dir, creating it if needed.
// Idempotent; the file is rewritten so upgrades propagate.
func WriteShim(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create shim dir: %w", err)
	}
	path := filepath.Join(dir, ShimFile)
	if err := os.WriteFile(path, []byte(shimSource), 0o644); err != nil {
		return fmt.Errorf("failed to write shim: %w", err)
	}
	logging.Get(logging.CategoryTools).Debug("wrote tool shim to %s", path)
	return nil
}
