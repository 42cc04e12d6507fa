package daemon

import (
	"bufio"
	"os"
	"strings"

	"github.com/kellerow/modmount/pkg/modmount/config"
	"github.com/kellerow/modmount/pkg/modmount/logging"
	"github.com/kellerow/modmount/pkg/modmount/planner"
)

// Paths probed for device capabilities. Variables so tests can point them
// at fixtures.
var (
	FilesystemsPath = "/proc/filesystems"
	LoopControlPath = "/dev/loop-control"
)

// DetectCapabilities inspects the device for what the planner may rely
// on. Image support additionally requires the config to allow it.
func DetectCapabilities(cfg *config.Config) planner.Capabilities {
	log := logging.Get("daemon")

	caps := planner.Capabilities{
		Overlay: kernelFilesystem("overlay"),
		// The real xattr answer comes from the staging probe; assume yes
		// until a mount proves otherwise.
		TmpfsXattr: true,
	}
	if cfg.EnableImage {
		_, err := os.Stat(LoopControlPath)
		caps.Image = err == nil
	}

	log.Debug("device capabilities",
		"overlay", caps.Overlay, "image", caps.Image)
	return caps
}

// kernelFilesystem reports whether the kernel lists the filesystem type.
func kernelFilesystem(name string) bool {
	f, err := os.Open(FilesystemsPath)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && fields[len(fields)-1] == name {
			return true
		}
	}
	return false
}
