// Package cdi generates CDI (Container Device Interface) spec files that
// expose the LUNs of discovered Fibre Channel target ports to containers.
// Each target port becomes one CDI device named after its WWPN.
package cdi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	cdiparser "tags.cncf.io/container-device-interface/pkg/parser"
	cdiSpecs "tags.cncf.io/container-device-interface/specs-go"

	"sigs.k8s.io/yaml"

	"github.com/Nativu5/fcdisc/pkg/types"
	"github.com/Nativu5/fcdisc/pkg/utils"
)

const (
	// FilePrefix is prepended to all spec files written by this tool
	// to enable safe cleanup without affecting specs from other sources.
	FilePrefix = "fcdisc"

	// DefaultOutputDir is the standard CDI spec directory.
	DefaultOutputDir = "/etc/cdi"

	// DefaultPrefix is used when no --prefix is provided.
	DefaultPrefix = "fc"
)

// SpecFileName returns the deterministic file name for a given prefix, name, and format.
// Format: fcdisc_<prefix>_<name>.<ext>
func SpecFileName(prefix, name, format string) string {
	safePrefix := strings.ReplaceAll(prefix, "/", "_")
	return fmt.Sprintf("%s_%s_%s.%s", FilePrefix, safePrefix, name, format)
}

// BuildSpec converts target ports to a CDI spec of kind prefix/name. Ports
// that are not targets or have no block devices are skipped.
func BuildSpec(prefix, name string, ports []*types.RemotePortInfo) (*cdiSpecs.Spec, error) {
	if err := cdiparser.ValidateVendorName(prefix); err != nil {
		return nil, fmt.Errorf("invalid prefix %q: %w", prefix, err)
	}
	if err := cdiparser.ValidateClassName(name); err != nil {
		return nil, fmt.Errorf("invalid name %q: %w", name, err)
	}

	devices := make([]cdiSpecs.Device, 0, len(ports))
	for _, p := range ports {
		if !p.IsTarget() || len(p.Devices) == 0 {
			log.Debugf("skipping %s: not a target with block devices", p.Name)
			continue
		}
		edits := cdiSpecs.ContainerEdits{
			Env: []string{
				"FC_TARGET_WWPN=" + p.WWPN.String(),
				"FC_TARGET_PORT_ID=" + p.PortID.String(),
			},
			DeviceNodes: make([]*cdiSpecs.DeviceNode, 0, len(p.Devices)),
		}
		for _, dev := range p.Devices {
			edits.DeviceNodes = append(edits.DeviceNodes, &cdiSpecs.DeviceNode{
				Path:        dev,
				HostPath:    dev,
				Permissions: "rw",
			})
		}
		devName := utils.DeviceName(p.WWPN)
		if err := cdiparser.ValidateDeviceName(devName); err != nil {
			return nil, err
		}
		devices = append(devices, cdiSpecs.Device{Name: devName, ContainerEdits: edits})
	}

	spec := &cdiSpecs.Spec{
		Version: cdiSpecs.CurrentVersion,
		Kind:    prefix + "/" + name,
		Devices: devices,
	}
	if err := validateSpec(spec); err != nil {
		return nil, fmt.Errorf("generated CDI spec is invalid: %w", err)
	}
	return spec, nil
}

// CreateCDISpec generates a CDI spec file for the given target ports and
// writes it to outputDir. It returns the path written.
func CreateCDISpec(prefix, name string, ports []*types.RemotePortInfo, outputDir, format string) (string, error) {
	log.Infof("creating CDI spec for resource %q (prefix=%s)", name, prefix)

	spec, err := BuildSpec(prefix, name, ports)
	if err != nil {
		return "", err
	}
	data, err := marshalSpec(spec, format)
	if err != nil {
		return "", fmt.Errorf("cannot marshal CDI spec: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("cannot create output directory %s: %w", outputDir, err)
	}
	filePath := filepath.Join(outputDir, SpecFileName(prefix, name, format))
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("cannot write CDI spec file %s: %w", filePath, err)
	}

	log.Infof("CDI spec written to %s (%d devices)", filePath, len(spec.Devices))
	return filePath, nil
}

// CreateContainerAnnotations returns CDI qualified-name annotations for the
// target ports. Keys and values are vendor/class=device.
func CreateContainerAnnotations(ports []*types.RemotePortInfo, prefix, kind string) (map[string]string, error) {
	annotations := make(map[string]string)
	for _, p := range ports {
		if !p.IsTarget() {
			continue
		}
		qn := cdiparser.QualifiedName(prefix, kind, utils.DeviceName(p.WWPN))
		annotations[qn] = qn
	}
	if len(annotations) == 0 {
		return nil, fmt.Errorf("no target ports to annotate")
	}

	log.Debugf("created CDI annotations: %v", annotations)
	return annotations, nil
}

// CleanupSpecs removes CDI spec files created by this tool from dir.
// If name is empty, all specs matching the given prefix are removed.
// If name is non-empty, only the exact match is removed.
func CleanupSpecs(dir, prefix, name string, dryRun bool) ([]string, error) {
	if dir == "" {
		dir = DefaultOutputDir
	}

	if name != "" {
		return cleanupFiles([]string{
			filepath.Join(dir, SpecFileName(prefix, name, "json")),
			filepath.Join(dir, SpecFileName(prefix, name, "yaml")),
		}, dryRun)
	}

	// Restrict to known extensions only.
	var matches []string
	for _, ext := range []string{"json", "yaml"} {
		pattern := filepath.Join(dir, SpecFileName(prefix, "*", ext))
		m, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob error for pattern %s: %w", pattern, err)
		}
		matches = append(matches, m...)
	}
	return cleanupFiles(matches, dryRun)
}

func cleanupFiles(paths []string, dryRun bool) ([]string, error) {
	removed := make([]string, 0)
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if dryRun {
			log.Infof("[dry-run] would remove: %s", p)
			removed = append(removed, p)
			continue
		}
		log.Infof("removing CDI spec file: %s", p)
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("cannot remove %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

func validateSpec(spec *cdiSpecs.Spec) error {
	if spec.Kind == "" {
		return fmt.Errorf("spec kind must not be empty")
	}
	if len(spec.Devices) == 0 {
		return fmt.Errorf("spec must contain at least one device")
	}
	return nil
}

// marshalSpec serializes a CDI spec to JSON or YAML bytes.
func marshalSpec(spec *cdiSpecs.Spec, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(spec, "", "  ")
	case "yaml":
		jsonData, err := json.Marshal(spec)
		if err != nil {
			return nil, err
		}
		return yaml.JSONToYAML(jsonData)
	default:
		return nil, fmt.Errorf("unsupported format %q: use json or yaml", format)
	}
}
