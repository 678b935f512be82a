/*
Copyright 2026 The Knative Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fleet

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"knative.dev/pkg/logging"
	"knative.dev/poolscaler/pkg/autoscaler/types"
	"knative.dev/poolscaler/pkg/logging/logkey"
)

// Tag keys and values placed on every launched node.
const (
	TagName      = "Name"
	TagPool      = "Project"
	TagManagedBy = "ManagedBy"

	ManagedByValue = "poolscaler"
)

// Defaults for EC2Options.
const (
	DefaultInstanceType     = "t2.small"
	DefaultImageOwner       = "099720109477"
	DefaultImageNamePattern = "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"
	DefaultRootDevice       = "/dev/sda1"
	DefaultRootVolumeGiB    = 20
	DefaultRootVolumeType   = "gp3"
	DefaultCallTimeout      = 30 * time.Second
)

var errNoImage = errors.New("no image matches the configured owner and name pattern")

// EC2API is the subset of the EC2 client used by EC2.
type EC2API interface {
	ec2.DescribeImagesAPIClient
	ec2.DescribeInstancesAPIClient
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

var _ EC2API = (*ec2.Client)(nil)

// EC2Options describe the nodes launched by EC2.
type EC2Options struct {
	// Pool is the value of the pool tag; nodes of other pools are ignored.
	Pool     string
	// NodeName is the Name tag of launched nodes. Defaults to <Pool>-worker.
	NodeName string

	InstanceType     string
	KeyName          string
	SecurityGroupIDs []string
	// SubnetIDs are used round-robin across launches.
	SubnetIDs        []string
	InstanceProfile  string
	ImageOwner       string
	ImageNamePattern string
	UserData         []byte
	RootDevice       string
	RootVolumeGiB    int32
	RootVolumeType   string
	CallTimeout      time.Duration
}

func (o EC2Options) withDefaults() EC2Options {
	if o.NodeName == "" {
		o.NodeName = o.Pool + "-worker"
	}
	if o.InstanceType == "" {
		o.InstanceType = DefaultInstanceType
	}
	if o.ImageOwner == "" {
		o.ImageOwner = DefaultImageOwner
	}
	if o.ImageNamePattern == "" {
		o.ImageNamePattern = DefaultImageNamePattern
	}
	if o.RootDevice == "" {
		o.RootDevice = DefaultRootDevice
	}
	if o.RootVolumeGiB <= 0 {
		o.RootVolumeGiB = DefaultRootVolumeGiB
	}
	if o.RootVolumeType == "" {
		o.RootVolumeType = DefaultRootVolumeType
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	return o
}

// EC2 is a Controller for a pool of EC2 instances.
type EC2 struct {
	api  EC2API
	opts EC2Options
	next atomic.Uint64
}

var _ Controller = (*EC2)(nil)

// NewEC2 returns a Controller launching instances described by opts.
func NewEC2(api EC2API, opts EC2Options) *EC2 {
	return &EC2{api: api, opts: opts.withDefaults()}
}

func (c *EC2) subnet() *string {
	if len(c.opts.SubnetIDs) == 0 {
		return nil
	}
	i := (c.next.Add(1) - 1) % uint64(len(c.opts.SubnetIDs))
	return aws.String(c.opts.SubnetIDs[i])
}

func filter(name string, values ...string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String(name), Values: values}
}

func (c *EC2) image(ctx context.Context) (string, error) {
	out, err := c.api.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{c.opts.ImageOwner},
		Filters: []ec2types.Filter{
			filter("name", c.opts.ImageNamePattern),
			filter("virtualization-type", "hvm"),
			filter("state", "available"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("describing images: %w", err)
	}
	if len(out.Images) == 0 {
		return "", errNoImage
	}
	images := out.Images
	// CreationDate is ISO 8601, so the newest sorts last.
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) < aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[len(images)-1].ImageId), nil
}

// Launch implements Controller.
func (c *EC2) Launch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	imageID, err := c.image(ctx)
	if err != nil {
		return "", types.NewError(types.KindFleetLaunchFailed, "Launch", err)
	}

	in := &ec2.RunInstancesInput{
		ImageId:          aws.String(imageID),
		InstanceType:     ec2types.InstanceType(c.opts.InstanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		SecurityGroupIds: c.opts.SecurityGroupIDs,
		SubnetId:         c.subnet(),
		BlockDeviceMappings: []ec2types.BlockDeviceMapping{{
			DeviceName: aws.String(c.opts.RootDevice),
			Ebs: &ec2types.EbsBlockDevice{
				VolumeSize:          aws.Int32(c.opts.RootVolumeGiB),
				VolumeType:          ec2types.VolumeType(c.opts.RootVolumeType),
				DeleteOnTermination: aws.Bool(true),
			},
		}},
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String(TagName), Value: aws.String(c.opts.NodeName)},
				{Key: aws.String(TagPool), Value: aws.String(c.opts.Pool)},
				{Key: aws.String(TagManagedBy), Value: aws.String(ManagedByValue)},
			},
		}},
	}
	if c.opts.KeyName != "" {
		in.KeyName = aws.String(c.opts.KeyName)
	}
	if c.opts.InstanceProfile != "" {
		in.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{Name: aws.String(c.opts.InstanceProfile)}
	}
	if len(c.opts.UserData) > 0 {
		in.UserData = aws.String(base64.StdEncoding.EncodeToString(c.opts.UserData))
	}

	out, err := c.api.RunInstances(ctx, in)
	if err != nil {
		return "", types.NewError(types.KindFleetLaunchFailed, "Launch", err)
	}
	if len(out.Instances) == 0 {
		return "", types.Errorf(types.KindFleetLaunchFailed, "Launch", "RunInstances returned no instance")
	}
	id := aws.ToString(out.Instances[0].InstanceId)
	logging.FromContext(ctx).Infow("Launched node", zap.String(logkey.Node, id),
		zap.String("image", imageID), zap.String("subnet", aws.ToString(in.SubnetId)))
	return id, nil
}

func nodeState(s *ec2types.InstanceState) NodeState {
	if s == nil {
		return NodeUnknown
	}
	switch s.Name {
	case ec2types.InstanceStateNamePending:
		return NodePending
	case ec2types.InstanceStateNameRunning:
		return NodeRunning
	case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameShuttingDown,
		ec2types.InstanceStateNameStopping, ec2types.InstanceStateNameStopped:
		return NodeTerminated
	}
	return NodeUnknown
}

func (c *EC2) list(ctx context.Context) ([]Node, error) {
	p := ec2.NewDescribeInstancesPaginator(c.api, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			filter("tag:"+TagPool, c.opts.Pool),
			filter("tag:"+TagManagedBy, ManagedByValue),
			filter("instance-state-name", string(ec2types.InstanceStateNamePending), string(ec2types.InstanceStateNameRunning)),
		},
	})
	var nodes []Node
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describing instances: %w", err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				n := Node{
					ID:         aws.ToString(inst.InstanceId),
					LaunchTime: aws.ToTime(inst.LaunchTime),
					State:      nodeState(inst.State),
				}
				// The API filter is authoritative; this guards against
				// eventually consistent state transitions.
				if n.State.Live() {
					nodes = append(nodes, n)
				}
			}
		}
	}
	SortOldestFirst(nodes)
	return nodes, nil
}

// ListManaged implements Controller.
func (c *EC2) ListManaged(ctx context.Context) ([]Node, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	nodes, err := c.list(ctx)
	if err != nil {
		return nil, types.NewError(types.KindFleetTerminateFailed, "ListManaged", err)
	}
	return nodes, nil
}

// CountLiveManaged implements Controller.
func (c *EC2) CountLiveManaged(ctx context.Context) (int, error) {
	nodes, err := c.ListManaged(ctx)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// TerminateOldest implements Controller. The node is not drained first.
func (c *EC2) TerminateOldest(ctx context.Context) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	nodes, err := c.list(ctx)
	if err != nil {
		return "", false, types.NewError(types.KindFleetTerminateFailed, "TerminateOldest", err)
	}
	if len(nodes) == 0 {
		logging.FromContext(ctx).Warn("No managed node to terminate")
		return "", false, nil
	}
	victim := nodes[0]
	if _, err := c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{victim.ID},
	}); err != nil {
		return "", false, types.NewError(types.KindFleetTerminateFailed, "TerminateOldest", err)
	}
	logging.FromContext(ctx).Infow("Terminated node", zap.String(logkey.Node, victim.ID),
		zap.Time("launchTime", victim.LaunchTime))
	return victim.ID, true, nil
}
