package edge

import (
	"encoding/json"
	"fmt"

	"github.com/KevinKickass/MachineConnect/internal/types"
	"gopkg.in/yaml.v3"
)

const (
	recipeFormatVersion = "2020-01-25"
	componentPublisher  = "MachineConnect"
	streamManager       = "aws.greengrass.StreamManager"
)

// Recipe is the edge runtime's component description.
type Recipe struct {
	RecipeFormatVersion    string                         `yaml:"RecipeFormatVersion"`
	ComponentName          string                         `yaml:"ComponentName"`
	ComponentVersion       string                         `yaml:"ComponentVersion"`
	ComponentDescription   string                         `yaml:"ComponentDescription"`
	ComponentPublisher     string                         `yaml:"ComponentPublisher"`
	ComponentDependencies  map[string]DependencyReference `yaml:"ComponentDependencies,omitempty"`
	ComponentConfiguration ComponentConfiguration         `yaml:"ComponentConfiguration"`
	Manifests              []Manifest                     `yaml:"Manifests"`
}

type DependencyReference struct {
	VersionRequirement string `yaml:"VersionRequirement"`
	DependencyType     string `yaml:"DependencyType,omitempty"`
}

type ComponentConfiguration struct {
	DefaultConfiguration map[string]any `yaml:"DefaultConfiguration"`
}

type Manifest struct {
	Platform  map[string]string `yaml:"Platform"`
	Lifecycle map[string]string `yaml:"Lifecycle"`
	Artifacts []Artifact        `yaml:"Artifacts,omitempty"`
}

type Artifact struct {
	URI       string `yaml:"URI"`
	Unarchive string `yaml:"Unarchive,omitempty"`
}

// Metadata is the configuration a component reads at start and on every
// reconfiguration: identity, hierarchy, routing flags and, for the
// collector, the OPC DA polling settings.
func Metadata(kind ComponentKind, def types.ConnectionDefinition, streamName string) map[string]any {
	md := map[string]any{
		"name":        def.ConnectionName,
		"protocol":    string(def.Protocol),
		"siteName":    def.SiteName,
		"area":        def.Area,
		"process":     def.Process,
		"machineName": def.MachineName,
	}

	if def.LogLevel != "" {
		md["logLevel"] = def.LogLevel
	}

	switch kind {
	case KindCollector:
		if def.OpcDa != nil {
			md["opcDa"] = def.OpcDa
		}
	case KindPublisher:
		md["streamName"] = streamName
		md["sendDataToIoTTopic"] = def.SendDataToIoTTopic
		md["sendDataToIoTSiteWise"] = def.SendDataToIoTSiteWise
		md["sendDataToKinesisDataStreams"] = def.SendDataToKinesisDataStreams
		md["sendDataToTimestream"] = def.SendDataToTimestream
		md["sendDataToHistorian"] = def.SendDataToHistorian
	}

	return md
}

// SerializedMetadata is the reconfiguration payload of a deployment.
func SerializedMetadata(kind ComponentKind, def types.ConnectionDefinition, streamName string) (string, error) {
	data, err := json.Marshal(map[string]any{
		"connectionMetadata": Metadata(kind, def, streamName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal component metadata: %w", err)
	}
	return string(data), nil
}

// BuildRecipe describes a connection component for the edge runtime.
func BuildRecipe(spec ComponentSpec) Recipe {
	recipe := Recipe{
		RecipeFormatVersion: recipeFormatVersion,
		ComponentName:       spec.Name,
		ComponentVersion:    spec.Version,
		ComponentPublisher:  componentPublisher,
		ComponentDependencies: map[string]DependencyReference{
			streamManager: {VersionRequirement: "^2.0.0", DependencyType: "HARD"},
		},
		ComponentConfiguration: ComponentConfiguration{
			DefaultConfiguration: map[string]any{
				"connectionMetadata": Metadata(spec.Kind, spec.Connection, spec.StreamName),
			},
		},
	}

	var artifact, entry string
	switch spec.Kind {
	case KindCollector:
		recipe.ComponentDescription = fmt.Sprintf("OPC DA collector for connection %s", spec.Connection.ConnectionName)
		artifact, entry = "m2c2-opcda-connector", "m2c2_opcda_connector.py"
	default:
		recipe.ComponentDescription = fmt.Sprintf("Publisher for connection %s", spec.Connection.ConnectionName)
		artifact, entry = "m2c2-publisher", "m2c2_publisher.py"
	}

	manifest := Manifest{
		Platform: map[string]string{"os": "linux"},
		Lifecycle: map[string]string{
			"Install": fmt.Sprintf("pip3 install --user -r {artifacts:decompressedPath}/%s/requirements.txt", artifact),
			"Run":     fmt.Sprintf("python3 -u {artifacts:decompressedPath}/%s/%s", artifact, entry),
		},
	}
	if spec.ArtifactBucket != "" {
		manifest.Artifacts = []Artifact{{
			URI:       fmt.Sprintf("s3://%s/%s.zip", spec.ArtifactBucket, artifact),
			Unarchive: "ZIP",
		}}
	}
	recipe.Manifests = []Manifest{manifest}

	return recipe
}

// RenderRecipe serializes the recipe of a component as YAML.
func RenderRecipe(spec ComponentSpec) ([]byte, error) {
	data, err := yaml.Marshal(BuildRecipe(spec))
	if err != nil {
		return nil, fmt.Errorf("failed to render recipe for %s: %w", spec.Name, err)
	}
	return data, nil
}
