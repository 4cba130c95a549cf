package client

// Product identifies one volume-license SKU to a KMS host: the identifiers
// the client presents and the protocol version its generation speaks.
type Product struct {
	SKUID         string
	ApplicationID string
	KMSCountedID  string
	Version       uint32 // major<<16|minor
	RequiredCount uint32 // activation threshold the client reports
}

// Products is the built-in volume-license catalog, keyed by the mode names
// the CLI accepts.
var Products = map[string]Product{
	"WindowsVista": {
		SKUID: "cfd8ff08-c0d7-452b-9f60-ef5c70c32094", ApplicationID: "55c92734-d682-4d71-983e-d6ec3f16059f",
		KMSCountedID: "212a64dc-43b1-4d3d-a30c-2fc69d2095c6", Version: 4 << 16, RequiredCount: 25,
	},
	"Windows7": {
		SKUID: "ae2ee509-1b34-41c0-acb7-6d4650168915", ApplicationID: "55c92734-d682-4d71-983e-d6ec3f16059f",
		KMSCountedID: "7fde5219-fbfa-484a-82c9-34d1ad53e856", Version: 4 << 16, RequiredCount: 25,
	},
	"Windows8": {
		SKUID: "458e1bec-837a-45f6-b9d5-925ed5d299de", ApplicationID: "55c92734-d682-4d71-983e-d6ec3f16059f",
		KMSCountedID: "3c40b358-5948-45af-923b-53d21fcc7e79", Version: 5 << 16, RequiredCount: 25,
	},
	"Windows8.1": {
		SKUID: "81671aaf-79d1-4eb1-b004-8cbbe173afea", ApplicationID: "55c92734-d682-4d71-983e-d6ec3f16059f",
		KMSCountedID: "cb8fc780-2c05-495a-9710-85afffc904d7", Version: 6 << 16, RequiredCount: 25,
	},
	"Windows10": {
		SKUID: "73111121-5638-40f6-bc11-f1d7b0d64300", ApplicationID: "55c92734-d682-4d71-983e-d6ec3f16059f",
		KMSCountedID: "58e2134f-8e11-4d17-9cb2-91069c151148", Version: 6 << 16, RequiredCount: 25,
	},
	"Office2010": {
		SKUID: "6f327760-8c5c-417c-9b61-836a98287e0c", ApplicationID: "59a52881-a989-479d-af46-f275c6370663",
		KMSCountedID: "e85af946-2e25-47b7-83e1-bebcebeac611", Version: 4 << 16, RequiredCount: 5,
	},
	"Office2013": {
		SKUID: "2b88760d-d082-46d4-8f4d-30a5a2402c23", ApplicationID: "0ff1ce15-a989-479d-af46-f275c6370663",
		KMSCountedID: "e6a6f1bf-9d40-40c3-aa9f-c77ba21578c0", Version: 5 << 16, RequiredCount: 5,
	},
	"Office2016": {
		SKUID: "d450596f-894d-49e0-966a-fd39ed4c4c64", ApplicationID: "0ff1ce15-a989-479d-af46-f275c6370663",
		KMSCountedID: "85b5f61b-320b-4be3-814a-b76b2bfafc82", Version: 6 << 16, RequiredCount: 5,
	},
	"Office2019": {
		SKUID: "0bc88885-718c-491d-921f-6f214349e79c", ApplicationID: "0ff1ce15-a989-479d-af46-f275c6370663",
		KMSCountedID: "617d9eb1-ef36-4f87-bbfb-481cbb3af187", Version: 6 << 16, RequiredCount: 5,
	},
}
