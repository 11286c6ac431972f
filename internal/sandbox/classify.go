package sandbox

import (
	"strings"
)

// CommandKind tags what a command appears to do. The classification is a
// best-effort heuristic over the command string, used only for user-facing
// notices when an environment is recreated. It is advisory, never a source
// of truth, and must not influence control flow.
type CommandKind int

const (
	// KindOther is any command the classifier does not recognize.
	KindOther CommandKind = iota
	// KindPackageInstall is a recognized package-manager install.
	KindPackageInstall
	// KindFileWrite is a command that appears to create or write files.
	KindFileWrite
)

// CommandInfo is the classifier's reading of a single command.
type CommandInfo struct {
	Kind     CommandKind
	Packages []string
	Files    []string
}

// installPrefixes maps a package-manager invocation prefix to the number of
// leading tokens to skip before package names begin.
var installPrefixes = []string{
	"pip install",
	"pip3 install",
	"npm install",
	"npm i",
	"apt-get install",
	"apt install",
	"apk add",
	"go install",
	"gem install",
	"cargo install",
}

// Classify inspects a shell command and extracts advisory bookkeeping:
// installed package names and created file paths.
func Classify(command string) CommandInfo {
	info := CommandInfo{Kind: KindOther}
	trimmed := strings.TrimSpace(command)

	// Strip a leading sudo; it does not change what the command does.
	trimmed = strings.TrimPrefix(trimmed, "sudo ")

	for _, prefix := range installPrefixes {
		if strings.HasPrefix(trimmed, prefix+" ") {
			info.Kind = KindPackageInstall
			info.Packages = packageArgs(strings.TrimPrefix(trimmed, prefix+" "))
			return info
		}
	}

	if files := writtenFiles(trimmed); len(files) > 0 {
		info.Kind = KindFileWrite
		info.Files = files
	}
	return info
}

// packageArgs returns the non-flag tokens of an install command's tail.
func packageArgs(tail string) []string {
	var pkgs []string
	for _, tok := range strings.Fields(tail) {
		if strings.HasPrefix(tok, "-") {
			continue
		}
		// go install pkg@version: report the package path only.
		if at := strings.IndexByte(tok, '@'); at > 0 {
			tok = tok[:at]
		}
		pkgs = append(pkgs, tok)
	}
	return pkgs
}

// writtenFiles extracts file paths from redirection, touch, and tee forms.
func writtenFiles(command string) []string {
	var files []string
	tokens := strings.Fields(command)

	for i, tok := range tokens {
		switch {
		case tok == ">" || tok == ">>":
			if i+1 < len(tokens) {
				files = append(files, tokens[i+1])
			}
		case strings.HasPrefix(tok, ">") && len(tok) > 1 && !strings.HasPrefix(tok, ">&"):
			files = append(files, strings.TrimLeft(tok, ">"))
		case tok == "touch" || tok == "tee":
			for _, arg := range tokens[i+1:] {
				if strings.HasPrefix(arg, "-") {
					continue
				}
				// Stop at shell control operators.
				if arg == "|" || arg == "&&" || arg == ";" || arg == "||" {
					break
				}
				files = append(files, arg)
			}
		}
	}
	return files
}
