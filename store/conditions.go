package store

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// NodeExistsCondition is the condition expression for parent validation.
func NodeExistsCondition() string {
	return "attribute_exists(id)"
}

// VersionCondition returns the condition expression pinning an item's
// version. Use with VersionNames and VersionValues.
func VersionCondition() string {
	return "#version = :expected_version"
}

// VersionNames returns expression attribute names for VersionCondition.
func VersionNames() map[string]string {
	return map[string]string{"#version": AttrVersion}
}

// VersionValues returns expression attribute values for VersionCondition.
func VersionValues(version int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
	}
}

// mergeExprNames merges multiple expression attribute name maps.
func mergeExprNames(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// mergeExprValues merges multiple expression attribute value maps.
func mergeExprValues(maps ...map[string]types.AttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
