package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// legacyKeyRenames maps keys of older connector configs onto their current names.
var legacyKeyRenames = map[string]string{
	"oauth_secret": "auth_code",
}

// MigrateLegacyKeys rewrites legacy keys of configFile in place, keeping comments and order.
// When both the legacy and the current key exist, the current one wins and the legacy key is
// dropped. Returns true if the file was rewritten.
func MigrateLegacyKeys(configFile string) (bool, error) {
	root, rootMap, err := readYAMLMapping(configFile)
	if err != nil || rootMap == nil {
		return false, err
	}

	changed := false
	for oldKey, newKey := range legacyKeyRenames {
		oldIdx := findMapKeyIndex(rootMap, oldKey)
		if oldIdx < 0 {
			continue
		}
		if findMapKeyIndex(rootMap, newKey) >= 0 {
			removeMapKeyByIndex(rootMap, oldIdx)
		} else {
			rootMap.Content[oldIdx].Value = newKey
		}
		changed = true
	}
	if !changed {
		return false, nil
	}
	return writeYAMLNode(configFile, root)
}

// SetTopLevelScalar sets key to value in configFile, adding the key when missing. Comments and
// the order of the other keys survive the rewrite.
func SetTopLevelScalar(configFile, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("config: empty key")
	}
	root, rootMap, err := readYAMLMapping(configFile)
	if err != nil {
		return err
	}
	if rootMap == nil {
		rootMap = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		root = &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{rootMap}}
	}
	valueNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
	if idx := findMapKeyIndex(rootMap, key); idx >= 0 && idx+1 < len(rootMap.Content) {
		valueNode.HeadComment = rootMap.Content[idx+1].HeadComment
		valueNode.LineComment = rootMap.Content[idx+1].LineComment
		rootMap.Content[idx+1] = valueNode
	} else {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
		rootMap.Content = append(rootMap.Content, keyNode, valueNode)
	}
	_, err = writeYAMLNode(configFile, root)
	return err
}

// readYAMLMapping returns the document and its top-level mapping. A missing or empty file
// yields nil nodes without an error.
func readYAMLMapping(configFile string) (*yaml.Node, *yaml.Node, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("config: read %s: %w", configFile, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil, nil
	}
	var root yaml.Node
	if err = yaml.Unmarshal(data, &root); err != nil {
		return nil, nil, fmt.Errorf("config: parse %s: %w", configFile, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, nil, nil
	}
	rootMap := root.Content[0]
	if rootMap == nil || rootMap.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("config: %s is not a mapping", configFile)
	}
	return &root, rootMap, nil
}

func findMapKeyIndex(mapNode *yaml.Node, key string) int {
	if mapNode == nil || mapNode.Kind != yaml.MappingNode {
		return -1
	}
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		if keyNode := mapNode.Content[i]; keyNode != nil && keyNode.Value == key {
			return i
		}
	}
	return -1
}

func removeMapKeyByIndex(mapNode *yaml.Node, keyIdx int) {
	if mapNode == nil || mapNode.Kind != yaml.MappingNode {
		return
	}
	if keyIdx < 0 || keyIdx+1 >= len(mapNode.Content) {
		return
	}
	mapNode.Content = append(mapNode.Content[:keyIdx], mapNode.Content[keyIdx+2:]...)
}

func writeYAMLNode(configFile string, root *yaml.Node) (bool, error) {
	f, err := os.OpenFile(configFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return false, fmt.Errorf("config: open %s: %w", configFile, err)
	}
	defer func() { _ = f.Close() }()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err = enc.Encode(root); err != nil {
		return false, fmt.Errorf("config: encode %s: %w", configFile, err)
	}
	if err = enc.Close(); err != nil {
		return false, fmt.Errorf("config: flush %s: %w", configFile, err)
	}
	return true, nil
}
