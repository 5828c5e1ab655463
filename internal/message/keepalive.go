package message

import "encoding/json"

// KeepAliveTopic carries liveness traffic in both directions: leaves send a
// single byte to the hub, the hub answers with the leaf directory.
const KeepAliveTopic = "KeepAlive"

// LeafInfo describes one known leaf in the hub's directory.
type LeafInfo struct {
	Name    string `json:"name"`
	Online  bool   `json:"online"`
	Private bool   `json:"private"`
}

// EncodeLeafInfos serializes the directory broadcast on KeepAliveTopic.
func EncodeLeafInfos(infos []LeafInfo) ([]byte, error) {
	return json.Marshal(infos)
}

// DecodeLeafInfos parses a directory broadcast.
func DecodeLeafInfos(b []byte) ([]LeafInfo, error) {
	var infos []LeafInfo
	if err := json.Unmarshal(b, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}
